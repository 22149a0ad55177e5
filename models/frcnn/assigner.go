package frcnn

import (
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TargetAssigner computes training targets for a sampled proposal batch:
// per-class regression deltas and one-hot classification labels, scattered
// so each proposal populates exactly its assigned class column. Training
// only; inference never constructs one.
type TargetAssigner struct {
	params HyperParams
}

// NewTargetAssigner creates a target assigner.
//
// Arguments:
//   - params: The shared detection-head configuration.
//
// Returns:
//   - *TargetAssigner: The configured assigner.
//   - error: A validation error if the configuration is inconsistent.
func NewTargetAssigner(params HyperParams) (*TargetAssigner, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "target assigner")
	}
	return &TargetAssigner{params: params}, nil
}

// Assign gathers each positive slot's matched ground truth through the
// index map and scatters per-class targets.
//
// A slot assigned class c holds its encoded delta in columns [c*4, c*4+4)
// of the delta output and a 1 in column c of the label output; every other
// column stays exactly zero. Negative slots and unmatched positive slots
// take the background class with an all-zero delta. Both outputs are plain
// tensors derived from label and index arithmetic — constants with respect
// to the forward pass that produced the proposals.
//
// Arguments:
//   - roiBoxes: Proposal batch, shape (batch, TotalBBoxes, 4).
//   - gtBoxes: Ground-truth boxes, shape (batch, P, 4), -1 padded.
//   - gtLabels: Ground-truth class labels, shape (batch, P), int32,
//     -1 padded.
//   - gtIndices: GT index map from the selector, shape
//     (batch, TotalPosBBoxes), int32.
//
// Returns:
//   - Regression targets, shape (batch, TotalBBoxes, TotalLabels*4).
//   - Classification targets, shape (batch, TotalBBoxes, TotalLabels).
//   - An error on any shape mismatch.
func (a *TargetAssigner) Assign(
	roiBoxes, gtBoxes, gtLabels, gtIndices *tensor.Dense,
) (*tensor.Dense, *tensor.Dense, error) {
	total := a.params.TotalBBoxes()
	totalPos := a.params.TotalPosBBoxes
	labels := a.params.TotalLabels
	background := a.params.BackgroundLabel()

	roiShape := roiBoxes.Shape()
	if len(roiShape) != 3 || roiShape[1] != total || roiShape[2] != 4 {
		return nil, nil, errors.Errorf(
			"proposal batch shaped %v, want (batch, %d, 4)", roiShape, total)
	}
	batch := roiShape[0]
	roiData, err := boxes.Float32Data("proposal batch", roiBoxes)
	if err != nil {
		return nil, nil, err
	}

	gtData, gtCount, err := paddedBoxData("ground-truth boxes", gtBoxes, batch)
	if err != nil {
		return nil, nil, err
	}
	labelData, err := int32Data("ground-truth labels", gtLabels, batch*gtCount)
	if err != nil {
		return nil, nil, err
	}
	indexData, err := int32Data("gt index map", gtIndices, batch*totalPos)
	if err != nil {
		return nil, nil, err
	}

	deltaOut := make([]float32, batch*total*labels*4)
	labelOut := make([]float32, batch*total*labels)

	for img := 0; img < batch; img++ {
		for slot := 0; slot < total; slot++ {
			cls := background

			if slot < totalPos {
				if gi := indexData[img*totalPos+slot]; gi != UnmatchedGTIndex {
					if int(gi) >= gtCount {
						return nil, nil, errors.Errorf(
							"gt index %d out of range for %d ground-truth slots", gi, gtCount)
					}
					matched := int(labelData[img*gtCount+int(gi)])
					if matched < 0 || matched >= labels {
						return nil, nil, errors.Errorf(
							"ground-truth label %d outside [0, %d)", matched, labels)
					}
					cls = matched

					roiOff := (img*total + slot) * 4
					roi := boxes.Box{
						Y1: roiData[roiOff],
						X1: roiData[roiOff+1],
						Y2: roiData[roiOff+2],
						X2: roiData[roiOff+3],
					}
					d := boxes.EncodeBox(roi, gtBoxAt(gtData, img, gtCount, int(gi)))

					deltaOff := ((img*total+slot)*labels + cls) * 4
					deltaOut[deltaOff] = d.DY
					deltaOut[deltaOff+1] = d.DX
					deltaOut[deltaOff+2] = d.DH
					deltaOut[deltaOff+3] = d.DW
				}
			}

			labelOut[(img*total+slot)*labels+cls] = 1
		}
	}

	deltas := tensor.New(
		tensor.WithShape(batch, total, labels*4), tensor.WithBacking(deltaOut))
	oneHot := tensor.New(
		tensor.WithShape(batch, total, labels), tensor.WithBacking(labelOut))
	return deltas, oneHot, nil
}

// int32Data validates an int32 tensor's element count and returns its
// backing slice.
func int32Data(name string, t *tensor.Dense, want int) ([]int32, error) {
	if t == nil {
		return nil, errors.Errorf("%s tensor is nil", name)
	}
	data, ok := t.Data().([]int32)
	if !ok {
		return nil, errors.Errorf("%s must be int32, got %v", name, t.Dtype())
	}
	if len(data) != want {
		return nil, errors.Errorf("%s holds %d values, want %d", name, len(data), want)
	}
	return data, nil
}
