package frcnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// scenarioInputs builds one-image step inputs around the shared anchor
// scenario with a 4x4, two-channel feature map.
func scenarioInputs(t *testing.T, withGT bool) StepInputs {
	t.Helper()

	fmData := make([]float32, 4*4*2)
	for i := range fmData {
		fmData[i] = float32(i) / float32(len(fmData))
	}
	gtData, gtLabelData := scenarioGT()

	in := StepInputs{
		FeatureMap: tensor.New(tensor.WithShape(1, 4, 4, 2), tensor.WithBacking(fmData)),
		RPNDeltas:  tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16))),
		RPNScores:  tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(scenarioScores())),
		Anchors:    tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(scenarioAnchors())),
	}
	if withGT {
		in.GTBoxes = tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(gtData))
		in.GTLabels = tensor.New(tensor.WithShape(1, 1), tensor.WithBacking(gtLabelData))
	}
	return in
}

func newTestModel(t *testing.T) *Model {
	t.Helper()
	params := testParams()
	head, err := NewHead(params, HeadConfig{Batch: 1, Channels: 2, Hidden1: 8, Hidden2: 8})
	require.NoError(t, err, "head construction should succeed")
	t.Cleanup(head.Close)

	model, err := NewModel(params, head)
	require.NoError(t, err, "model construction should succeed")
	return model
}

// TestModelTrainStep validates the full training pipeline: selection,
// pooling, head forward pass, target assignment and the loss outputs.
func TestModelTrainStep(t *testing.T) {
	model := newTestModel(t)

	out, err := model.TrainStep(scenarioInputs(t, true))
	require.NoError(t, err, "training step should succeed")

	assert.Equal(t, []int{1, 4, 4}, []int(out.ROIBoxes.Shape()), "proposal batch shape")
	assert.Equal(t, []int{1, 4, 2, 2, 2}, []int(out.Pooled.Shape()), "pooled feature shape")
	assert.Equal(t, []int{1, 4, 5}, []int(out.PredScores.Shape()), "score prediction shape")
	assert.Equal(t, []int{1, 4, 20}, []int(out.PredDeltas.Shape()), "delta prediction shape")
	assert.Equal(t, []int{1, 4, 5}, []int(out.TargetLabels.Shape()), "label target shape")
	assert.Equal(t, []int{1, 4, 20}, []int(out.TargetDeltas.Shape()), "delta target shape")

	// Head scores are softmaxed per proposal.
	scores := out.PredScores.Data().([]float32)
	for slot := 0; slot < 4; slot++ {
		sum := float32(0)
		for _, v := range scores[slot*5 : (slot+1)*5] {
			assert.GreaterOrEqual(t, v, float32(0), "slot %d probability lower bound", slot)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-4, "slot %d probabilities sum to one", slot)
	}

	assert.GreaterOrEqual(t, out.RegLoss, float32(0), "regression loss is non-negative")
	assert.Greater(t, out.ClsLoss, float32(0), "classification loss of an untrained head")
	// No RPN targets were supplied, so those loss outputs stay zero.
	assert.Equal(t, float32(0), out.RPNRegLoss, "rpn regression loss defaults to zero")
	assert.Equal(t, float32(0), out.RPNClsLoss, "rpn classification loss defaults to zero")
}

// TestModelTrainStepRequiresGroundTruth validates that training without
// labels fails fast instead of producing silent garbage targets.
func TestModelTrainStepRequiresGroundTruth(t *testing.T) {
	model := newTestModel(t)
	_, err := model.TrainStep(scenarioInputs(t, false))
	require.Error(t, err, "training needs ground truth")
}

// TestModelInferWithoutGroundTruth validates the inference path end to
// end with no labels: selection degrades to placeholder proposals and the
// decoder still produces a well-formed (possibly empty) detection set.
func TestModelInferWithoutGroundTruth(t *testing.T) {
	model := newTestModel(t)

	out, err := model.Infer(scenarioInputs(t, false))
	require.NoError(t, err, "inference must not require ground truth")

	assert.Equal(t, []int{1, 4, 4}, []int(out.ROIBoxes.Shape()), "proposal batch shape")
	assert.Equal(t, []int{1, 4, 5}, []int(out.PredScores.Shape()), "score prediction shape")
	for _, det := range out.Detections {
		assert.NotEqual(t, 4, det.Class, "background never surfaces as a detection")
		assert.Len(t, det.Scores, 5, "full score vector attached")
	}
}

// TestModelWithoutHead validates that head-dependent pipelines refuse to
// run while SelectAndPool still works for callers with an external head.
func TestModelWithoutHead(t *testing.T) {
	model, err := NewModel(testParams(), nil)
	require.NoError(t, err)

	in := scenarioInputs(t, true)
	_, err = model.TrainStep(in)
	require.Error(t, err, "training requires a head")
	_, err = model.Infer(in)
	require.Error(t, err, "inference requires a head")

	roiBoxes, gtIndices, pooled, err := model.SelectAndPool(in)
	require.NoError(t, err, "the front half runs without a head")
	assert.Equal(t, []int{1, 4, 4}, []int(roiBoxes.Shape()))
	assert.Equal(t, []int{1, 2}, []int(gtIndices.Shape()))
	assert.Equal(t, []int{1, 4, 2, 2, 2}, []int(pooled.Shape()))
}
