package frcnn

import (
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// StepInputs carries the tensors one training or inference step consumes.
// FeatureMap, RPNDeltas, RPNScores and Anchors come from the external
// backbone and proposal network; GTBoxes/GTLabels from the dataset; the
// RPN target pair from the dataset's anchor matching (training only).
type StepInputs struct {
	// FeatureMap is the shared backbone output, shape (batch, H, W, C).
	FeatureMap *tensor.Dense
	// RPNDeltas are proposal-network box deltas, batch*N*4 values.
	RPNDeltas *tensor.Dense
	// RPNScores are proposal-network foreground scores, batch*N values.
	RPNScores *tensor.Dense
	// Anchors is the anchor set, shape (batch, N, 4).
	Anchors *tensor.Dense
	// GTBoxes are ground-truth boxes, shape (batch, P, 4), -1 padded.
	// Optional at inference; nil means no ground truth.
	GTBoxes *tensor.Dense
	// GTLabels are ground-truth labels, shape (batch, P), int32, -1
	// padded. Training only.
	GTLabels *tensor.Dense
	// RPNDeltaTargets and RPNLabelTargets are the proposal network's
	// training targets, used for the two RPN loss outputs. Optional;
	// when nil those losses are reported as zero.
	RPNDeltaTargets *tensor.Dense
	RPNLabelTargets *tensor.Dense
}

// TrainOutputs bundles everything a training loop consumes from one step:
// the sampled proposals, the assigned targets, head predictions, and the
// four loss values fed to the optimizer.
type TrainOutputs struct {
	ROIBoxes     *tensor.Dense
	GTIndices    *tensor.Dense
	Pooled       *tensor.Dense
	TargetDeltas *tensor.Dense
	TargetLabels *tensor.Dense
	PredScores   *tensor.Dense
	PredDeltas   *tensor.Dense
	// RPNDeltas and RPNScores echo the proposal-network predictions so a
	// training loop can log or monitor them alongside the losses.
	RPNDeltas *tensor.Dense
	RPNScores *tensor.Dense

	RPNRegLoss float32
	RPNClsLoss float32
	RegLoss    float32
	ClsLoss    float32
}

// InferOutputs bundles one inference step's results.
type InferOutputs struct {
	ROIBoxes   *tensor.Dense
	PredScores *tensor.Dense
	PredDeltas *tensor.Dense
	Detections []Detection
}

// Model wires selector, assigner, pooler and head into the per-step
// pipelines. All stages are pure; the model itself holds no step state and
// is safe to reuse across steps.
type Model struct {
	params   HyperParams
	selector *ProposalSelector
	assigner *TargetAssigner
	pooler   *RoIPooler
	head     *Head
}

// NewModel assembles the detection-head pipeline.
//
// Arguments:
//   - params: The shared detection-head configuration.
//   - head: The dense head applied after pooling. May be nil for callers
//     that run an external head and only need SelectAndPool.
//
// Returns:
//   - *Model: The assembled pipeline.
//   - error: A validation error from any stage constructor.
func NewModel(params HyperParams, head *Head) (*Model, error) {
	selector, err := NewProposalSelector(params)
	if err != nil {
		return nil, err
	}
	assigner, err := NewTargetAssigner(params)
	if err != nil {
		return nil, err
	}
	pooler, err := NewRoIPooler(params)
	if err != nil {
		return nil, err
	}
	return &Model{
		params:   params,
		selector: selector,
		assigner: assigner,
		pooler:   pooler,
		head:     head,
	}, nil
}

// SelectAndPool runs the proposal selector and RoI pooler, the shared
// front half of both step pipelines.
//
// Returns:
//   - Proposal batch, GT index map, and pooled features.
//   - An error from either stage.
func (m *Model) SelectAndPool(
	in StepInputs,
) (roiBoxes, gtIndices, pooled *tensor.Dense, err error) {
	gtBoxes := in.GTBoxes
	if gtBoxes == nil {
		gtBoxes, err = sentinelGroundTruth(in.Anchors)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	roiBoxes, gtIndices, err = m.selector.Select(in.RPNDeltas, in.RPNScores, in.Anchors, gtBoxes)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "proposal selection")
	}
	pooled, err = m.pooler.Pool(in.FeatureMap, roiBoxes)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "roi pooling")
	}
	return roiBoxes, gtIndices, pooled, nil
}

// TrainStep runs one full training step: selection, pooling, head forward
// pass, target assignment, and the four loss outputs.
//
// Arguments:
//   - in: Step inputs. GTBoxes and GTLabels are required.
//
// Returns:
//   - *TrainOutputs: Proposals, targets, predictions and losses.
//   - An error from any stage.
func (m *Model) TrainStep(in StepInputs) (*TrainOutputs, error) {
	if m.head == nil {
		return nil, errors.New("training step requires an attached head")
	}
	if in.GTBoxes == nil || in.GTLabels == nil {
		return nil, errors.New("training step requires ground-truth boxes and labels")
	}

	roiBoxes, gtIndices, pooled, err := m.SelectAndPool(in)
	if err != nil {
		return nil, err
	}

	predScores, predDeltas, err := m.head.Forward(pooled)
	if err != nil {
		return nil, errors.Wrap(err, "head forward pass")
	}

	targetDeltas, targetLabels, err := m.assigner.Assign(
		roiBoxes, in.GTBoxes, in.GTLabels, gtIndices)
	if err != nil {
		return nil, errors.Wrap(err, "target assignment")
	}

	out := &TrainOutputs{
		ROIBoxes:     roiBoxes,
		GTIndices:    gtIndices,
		Pooled:       pooled,
		TargetDeltas: targetDeltas,
		TargetLabels: targetLabels,
		PredScores:   predScores,
		PredDeltas:   predDeltas,
		RPNDeltas:    in.RPNDeltas,
		RPNScores:    in.RPNScores,
	}

	if out.RegLoss, err = RegressionLoss(predDeltas, targetDeltas); err != nil {
		return nil, errors.Wrap(err, "detection regression loss")
	}
	if out.ClsLoss, err = ClassificationLoss(
		predScores, targetLabels, m.params.TotalLabels); err != nil {
		return nil, errors.Wrap(err, "detection classification loss")
	}
	if in.RPNDeltaTargets != nil {
		if out.RPNRegLoss, err = RegressionLoss(in.RPNDeltas, in.RPNDeltaTargets); err != nil {
			return nil, errors.Wrap(err, "rpn regression loss")
		}
	}
	if in.RPNLabelTargets != nil {
		if out.RPNClsLoss, err = BinaryClassificationLoss(
			in.RPNScores, in.RPNLabelTargets); err != nil {
			return nil, errors.Wrap(err, "rpn classification loss")
		}
	}
	return out, nil
}

// Infer runs one inference step: selection, pooling, head forward pass and
// valid-detection decoding. Batch size must be 1, matching the decoder.
//
// Arguments:
//   - in: Step inputs. GTBoxes may be nil.
//
// Returns:
//   - *InferOutputs: Proposals, head predictions, and surviving
//     detections. Detections is empty when every proposal is predicted
//     background.
//   - An error from any stage.
func (m *Model) Infer(in StepInputs) (*InferOutputs, error) {
	if m.head == nil {
		return nil, errors.New("inference requires an attached head")
	}

	roiBoxes, _, pooled, err := m.SelectAndPool(in)
	if err != nil {
		return nil, err
	}

	predScores, predDeltas, err := m.head.Forward(pooled)
	if err != nil {
		return nil, errors.Wrap(err, "head forward pass")
	}

	detections, err := DecodeValidDetections(
		roiBoxes, predDeltas, predScores, m.params.TotalLabels)
	if err != nil {
		return nil, errors.Wrap(err, "decoding detections")
	}

	return &InferOutputs{
		ROIBoxes:   roiBoxes,
		PredScores: predScores,
		PredDeltas: predDeltas,
		Detections: detections,
	}, nil
}

// sentinelGroundTruth builds an all-padding ground-truth set matching the
// anchor batch, for inference callers without labels.
func sentinelGroundTruth(anchors *tensor.Dense) (*tensor.Dense, error) {
	shape := anchors.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("anchors shaped %v, want (batch, N, 4)", shape)
	}
	data := make([]float32, shape[0]*4)
	for i := range data {
		data[i] = boxes.PaddingCoord
	}
	return tensor.New(tensor.WithShape(shape[0], 1, 4), tensor.WithBacking(data)), nil
}
