package frcnn

import (
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/nvr-ai/go-frcnn/models/postprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// UnmatchedGTIndex marks a positive slot the selector could not fill with a
// real ground-truth match. The target assigner maps such slots to the
// background class with a zero regression target.
const UnmatchedGTIndex = int32(-1)

// ProposalSelector turns raw region-proposal outputs into a fixed-size
// proposal batch per image: decode deltas against anchors, suppress
// overlapping candidates, match survivors to ground truth by IoU, and
// sample positive/negative slots deterministically.
type ProposalSelector struct {
	params HyperParams
}

// NewProposalSelector creates a proposal selector.
//
// Arguments:
//   - params: The shared detection-head configuration.
//
// Returns:
//   - *ProposalSelector: The configured selector.
//   - error: A validation error if the configuration is inconsistent.
func NewProposalSelector(params HyperParams) (*ProposalSelector, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "proposal selector")
	}
	return &ProposalSelector{params: params}, nil
}

// Select produces the proposal batch and ground-truth index map.
//
// Every per-image decision (suppression, matching, sampling) reads only
// that image's slice of the batch, so images can never contaminate each
// other. Both outputs are plain tensors built from index arithmetic; they
// carry no derivative information by construction.
//
// Arguments:
//   - rpnDeltas: RPN box deltas holding batch*N*4 values in anchor order.
//     The (batch, H', W', A*4) head layout is accepted as-is.
//   - rpnScores: RPN foreground scores holding batch*N values.
//   - anchors: Anchor boxes, shape (batch, N, 4).
//   - gtBoxes: Ground-truth boxes, shape (batch, P, 4), right-padded with
//     the -1 sentinel.
//
// Returns:
//   - Proposal batch, shape (batch, TotalBBoxes, 4). The first
//     TotalPosBBoxes slots hold matched proposals in suppression rank
//     order; every remaining slot is a zero box.
//   - GT index map, shape (batch, TotalPosBBoxes), int32. Unfilled slots
//     hold UnmatchedGTIndex.
//   - An error on any shape mismatch.
func (s *ProposalSelector) Select(
	rpnDeltas, rpnScores, anchors, gtBoxes *tensor.Dense,
) (*tensor.Dense, *tensor.Dense, error) {
	anchorShape := anchors.Shape()
	if len(anchorShape) != 3 || anchorShape[2] != 4 {
		return nil, nil, errors.Errorf("anchors shaped %v, want (batch, N, 4)", anchorShape)
	}
	batch, totalAnchors := anchorShape[0], anchorShape[1]

	scoreData, err := boxes.Float32Data("rpn scores", rpnScores)
	if err != nil {
		return nil, nil, err
	}
	if len(scoreData) != batch*totalAnchors {
		return nil, nil, errors.Errorf(
			"rpn scores hold %d values, want %d (batch %d x anchors %d)",
			len(scoreData), batch*totalAnchors, batch, totalAnchors)
	}

	gtData, gtCount, err := paddedBoxData("ground-truth boxes", gtBoxes, batch)
	if err != nil {
		return nil, nil, err
	}

	decoded, err := boxes.Decode(anchors, rpnDeltas)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding rpn deltas")
	}
	decodedData := decoded.Data().([]float32)

	totalPos := s.params.TotalPosBBoxes
	total := s.params.TotalBBoxes()
	roiData := make([]float32, batch*total*4)
	gtIndices := make([]int32, batch*totalPos)
	for i := range gtIndices {
		gtIndices[i] = UnmatchedGTIndex
	}

	nmsConfig := &postprocess.NMSConfig{
		IoUThreshold: s.params.NMSIoUThreshold,
		TopN:         s.params.NMSTopN,
	}

	for img := 0; img < batch; img++ {
		candidates := make([]postprocess.ScoredBox, totalAnchors)
		base := img * totalAnchors
		for i := 0; i < totalAnchors; i++ {
			off := (base + i) * 4
			candidates[i] = postprocess.ScoredBox{
				Box: boxes.Box{
					Y1: decodedData[off],
					X1: decodedData[off+1],
					Y2: decodedData[off+2],
					X2: decodedData[off+3],
				},
				Score: scoreData[base+i],
			}
		}
		kept := postprocess.ApplyGreedyNMS(candidates, nmsConfig)

		// Match survivors against this image's ground truth and take
		// positives in suppression rank order until the quota fills.
		// An image without ground truth yields no positives at all.
		posSlot := 0
		for _, sb := range kept {
			if posSlot >= totalPos {
				break
			}
			bestIoU := float32(0)
			bestGT := UnmatchedGTIndex
			for g := 0; g < gtCount; g++ {
				gt := gtBoxAt(gtData, img, gtCount, g)
				if gt.IsPadding() {
					continue
				}
				if iou := sb.Box.IoU(gt); iou > bestIoU {
					bestIoU = iou
					bestGT = int32(g)
				}
			}
			if bestIoU <= s.params.PositiveIoUThreshold || bestGT == UnmatchedGTIndex {
				continue
			}
			off := (img*total + posSlot) * 4
			roiData[off] = sb.Box.Y1
			roiData[off+1] = sb.Box.X1
			roiData[off+2] = sb.Box.Y2
			roiData[off+3] = sb.Box.X2
			gtIndices[img*totalPos+posSlot] = bestGT
			posSlot++
		}
		// Unfilled positive slots and all negative slots stay zero boxes.
		// Negatives contribute a background label to training, never
		// geometry.
	}

	roiBoxes := tensor.New(tensor.WithShape(batch, total, 4), tensor.WithBacking(roiData))
	gtIndexMap := tensor.New(tensor.WithShape(batch, totalPos), tensor.WithBacking(gtIndices))
	return roiBoxes, gtIndexMap, nil
}

// paddedBoxData validates a (batch, P, 4) box tensor and returns its
// backing slice and per-image box count.
func paddedBoxData(name string, t *tensor.Dense, batch int) ([]float32, int, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != 4 {
		return nil, 0, errors.Errorf("%s shaped %v, want (batch, P, 4)", name, shape)
	}
	if shape[0] != batch {
		return nil, 0, errors.Errorf("%s batch %d, want %d", name, shape[0], batch)
	}
	data, err := boxes.Float32Data(name, t)
	if err != nil {
		return nil, 0, err
	}
	return data, shape[1], nil
}

func gtBoxAt(data []float32, img, perImage, idx int) boxes.Box {
	off := (img*perImage + idx) * 4
	return boxes.Box{Y1: data[off], X1: data[off+1], Y2: data[off+2], X2: data[off+3]}
}
