package frcnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// testParams returns a small configuration used across the package tests:
// 2 positive and 2 negative slots, 5 labels with background at index 4.
func testParams() HyperParams {
	p := DefaultHyperParams()
	p.TotalPosBBoxes = 2
	p.TotalNegBBoxes = 2
	p.NMSTopN = 3
	p.TotalLabels = 5
	p.PoolingHeight = 2
	p.PoolingWidth = 2
	p.AnchorCount = 1
	return p
}

// scenarioAnchors returns four single-image anchors around one ground
// truth at (0.2, 0.2, 0.6, 0.6): two clear positives that survive
// suppression (IoU 0.79 with the ground truth, 0.65 with each other), one
// near-duplicate of the first that suppression removes, and one distant
// negative.
func scenarioAnchors() []float32 {
	return []float32{
		0.15, 0.15, 0.60, 0.60, // A: positive, top score
		0.20, 0.20, 0.65, 0.65, // B: positive
		0.16, 0.16, 0.61, 0.61, // D: suppressed by A
		0.70, 0.70, 0.90, 0.90, // C: background
	}
}

func scenarioScores() []float32 {
	return []float32{0.9, 0.8, 0.85, 0.7}
}

func scenarioGT() ([]float32, []int32) {
	return []float32{0.2, 0.2, 0.6, 0.6}, []int32{3}
}

// TestSelectorSamplesFixedQuota validates the full selection path on a
// single image: suppression, matching, and the fixed-size output contract.
func TestSelectorSamplesFixedQuota(t *testing.T) {
	params := testParams()
	selector, err := NewProposalSelector(params)
	require.NoError(t, err, "valid params should construct")

	anchors := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(scenarioAnchors()))
	deltas := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
	scores := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(scenarioScores()))
	gtData, _ := scenarioGT()
	gtBoxes := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(gtData))

	roiBoxes, gtIndices, err := selector.Select(deltas, scores, anchors, gtBoxes)
	require.NoError(t, err, "selection should succeed")
	require.Equal(t, []int{1, 4, 4}, []int(roiBoxes.Shape()),
		"proposal batch always holds total_pos + total_neg slots")
	require.Equal(t, []int{1, 2}, []int(gtIndices.Shape()),
		"index map covers the positive slots")

	roi := roiBoxes.Data().([]float32)
	// Slot 0 is A (highest score), slot 1 is B; the near-duplicate D was
	// suppressed and C never clears the positive threshold. Decoding with
	// zero deltas reproduces the anchors up to rounding.
	wantSlots := []float32{
		0.15, 0.15, 0.60, 0.60,
		0.20, 0.20, 0.65, 0.65,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	for i, want := range wantSlots {
		assert.InDelta(t, want, roi[i], 1e-6, "proposal value %d", i)
	}

	indices := gtIndices.Data().([]int32)
	assert.Equal(t, []int32{0, 0}, indices, "both positives matched ground truth 0")
}

// TestSelectorZeroGroundTruth validates the edge case of an image without
// ground truth: zero positives, every slot a zero box, no error.
func TestSelectorZeroGroundTruth(t *testing.T) {
	selector, err := NewProposalSelector(testParams())
	require.NoError(t, err)

	anchors := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(scenarioAnchors()))
	deltas := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
	scores := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(scenarioScores()))
	sentinel := []float32{-1, -1, -1, -1}
	gtBoxes := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(sentinel))

	roiBoxes, gtIndices, err := selector.Select(deltas, scores, anchors, gtBoxes)
	require.NoError(t, err, "an image without ground truth must not fail")

	for i, v := range roiBoxes.Data().([]float32) {
		assert.Equal(t, float32(0), v, "value %d: all slots fall back to zero boxes", i)
	}
	for i, idx := range gtIndices.Data().([]int32) {
		assert.Equal(t, UnmatchedGTIndex, idx, "slot %d stays unmatched", i)
	}
}

// TestSelectorBatchIsolation validates that per-image sampling inside one
// batched call matches processing each image alone, and that an image
// cannot borrow another image's ground truth.
func TestSelectorBatchIsolation(t *testing.T) {
	selector, err := NewProposalSelector(testParams())
	require.NoError(t, err)

	anchorData := scenarioAnchors()
	scoreData := scenarioScores()
	gtData, _ := scenarioGT()

	// Image 0 carries the scenario ground truth; image 1 has none.
	anchors := tensor.New(tensor.WithShape(2, 4, 4),
		tensor.WithBacking(append(append([]float32{}, anchorData...), anchorData...)))
	deltas := tensor.New(tensor.WithShape(2, 4, 4), tensor.WithBacking(make([]float32, 32)))
	scores := tensor.New(tensor.WithShape(2, 4),
		tensor.WithBacking(append(append([]float32{}, scoreData...), scoreData...)))
	gtBoxes := tensor.New(tensor.WithShape(2, 1, 4),
		tensor.WithBacking(append(append([]float32{}, gtData...), -1, -1, -1, -1)))

	roiBoxes, gtIndices, err := selector.Select(deltas, scores, anchors, gtBoxes)
	require.NoError(t, err)

	// Image 0 must match the single-image run exactly.
	soloAnchors := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(anchorData))
	soloDeltas := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
	soloScores := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(scoreData))
	soloGT := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(gtData))
	soloROI, soloIdx, err := selector.Select(soloDeltas, soloScores, soloAnchors, soloGT)
	require.NoError(t, err)

	batchROI := roiBoxes.Data().([]float32)
	assert.Equal(t, soloROI.Data().([]float32), batchROI[:16],
		"image 0 proposals are unaffected by image 1")
	batchIdx := gtIndices.Data().([]int32)
	assert.Equal(t, soloIdx.Data().([]int32), batchIdx[:2],
		"image 0 matches are unaffected by image 1")

	// Image 1 has no ground truth, so despite identical anchors and
	// scores it must produce zero positives.
	for i, v := range batchROI[16:] {
		assert.Equal(t, float32(0), v, "image 1 value %d leaked geometry", i)
	}
	assert.Equal(t, []int32{UnmatchedGTIndex, UnmatchedGTIndex}, batchIdx[2:],
		"image 1 cannot borrow image 0's ground truth")
}

// TestSelectorDeterministic validates bit-for-bit reproducibility across
// repeated runs on identical input.
func TestSelectorDeterministic(t *testing.T) {
	selector, err := NewProposalSelector(testParams())
	require.NoError(t, err)

	run := func() ([]float32, []int32) {
		anchors := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(scenarioAnchors()))
		deltas := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
		scores := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(scenarioScores()))
		gtData, _ := scenarioGT()
		gtBoxes := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(gtData))
		roi, idx, err := selector.Select(deltas, scores, anchors, gtBoxes)
		require.NoError(t, err)
		return roi.Data().([]float32), idx.Data().([]int32)
	}

	firstROI, firstIdx := run()
	for i := 0; i < 3; i++ {
		roi, idx := run()
		assert.Equal(t, firstROI, roi, "run %d proposals must be identical", i)
		assert.Equal(t, firstIdx, idx, "run %d index map must be identical", i)
	}
}

// TestSelectorRejectsShapeMismatch validates fail-fast behavior when the
// score count disagrees with the anchor set.
func TestSelectorRejectsShapeMismatch(t *testing.T) {
	selector, err := NewProposalSelector(testParams())
	require.NoError(t, err)

	anchors := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(scenarioAnchors()))
	deltas := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
	badScores := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking(make([]float32, 3)))
	gtData, _ := scenarioGT()
	gtBoxes := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking(gtData))

	_, _, err = selector.Select(deltas, badScores, anchors, gtBoxes)
	require.Error(t, err, "score/anchor disagreement is a caller bug")
}
