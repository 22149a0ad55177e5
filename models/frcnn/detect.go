package frcnn

import (
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Detection is one surviving inference-time detection.
type Detection struct {
	// Box is the absolute decoded box for the predicted class.
	Box boxes.Box
	// Class is the arg-max class index. Never the background class.
	Class int
	// Score is the confidence of the predicted class.
	Score float32
	// Scores holds the full per-class score vector for the proposal.
	Scores []float32
}

// DecodeValidDetections extracts final detections from head predictions.
//
// For each proposal the arg-max class is taken over the score vector;
// proposals classified as background are discarded. Each survivor's box is
// decoded from its own class's delta slice only, using the proposal box as
// reference. When every proposal is predicted background the result is an
// empty slice, not an error — callers must not assume at least one
// detection. Batch size is fixed at 1 for this operation.
//
// Arguments:
//   - roiBoxes: Proposal batch, shape (1, N, 4).
//   - deltaPred: Per-class delta predictions, shape (1, N, TotalLabels*4).
//   - scorePred: Per-class score predictions, shape (1, N, TotalLabels).
//   - totalLabels: Class count including the reserved background class at
//     index totalLabels-1.
//
// Returns:
//   - Detections in proposal order, possibly empty.
//   - An error on any shape mismatch.
func DecodeValidDetections(
	roiBoxes, deltaPred, scorePred *tensor.Dense, totalLabels int,
) ([]Detection, error) {
	if totalLabels < 2 {
		return nil, errors.Errorf("total labels %d needs background plus one class", totalLabels)
	}

	roiShape := roiBoxes.Shape()
	if len(roiShape) != 3 || roiShape[0] != 1 || roiShape[2] != 4 {
		return nil, errors.Errorf("proposal batch shaped %v, want (1, N, 4)", roiShape)
	}
	n := roiShape[1]

	roiData, err := boxes.Float32Data("proposal batch", roiBoxes)
	if err != nil {
		return nil, err
	}
	deltaData, err := boxes.Float32Data("delta predictions", deltaPred)
	if err != nil {
		return nil, err
	}
	scoreData, err := boxes.Float32Data("score predictions", scorePred)
	if err != nil {
		return nil, err
	}
	if len(deltaData) != n*totalLabels*4 {
		return nil, errors.Errorf(
			"delta predictions hold %d values, want %d", len(deltaData), n*totalLabels*4)
	}
	if len(scoreData) != n*totalLabels {
		return nil, errors.Errorf(
			"score predictions hold %d values, want %d", len(scoreData), n*totalLabels)
	}

	background := totalLabels - 1
	detections := make([]Detection, 0, n)

	for i := 0; i < n; i++ {
		scores := scoreData[i*totalLabels : (i+1)*totalLabels]

		cls := 0
		for c := 1; c < totalLabels; c++ {
			if scores[c] > scores[cls] {
				cls = c
			}
		}
		if cls == background {
			continue
		}

		roiOff := i * 4
		ref := boxes.Box{
			Y1: roiData[roiOff],
			X1: roiData[roiOff+1],
			Y2: roiData[roiOff+2],
			X2: roiData[roiOff+3],
		}
		deltaOff := (i*totalLabels + cls) * 4
		decoded := boxes.DecodeBox(ref, boxes.Delta{
			DY: deltaData[deltaOff],
			DX: deltaData[deltaOff+1],
			DH: deltaData[deltaOff+2],
			DW: deltaData[deltaOff+3],
		})

		scoresCopy := make([]float32, totalLabels)
		copy(scoresCopy, scores)
		detections = append(detections, Detection{
			Box:    decoded,
			Class:  cls,
			Score:  scores[cls],
			Scores: scoresCopy,
		})
	}

	return detections, nil
}
