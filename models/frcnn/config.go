// Package frcnn - Faster R-CNN detection-head pipeline.
//
// The package covers the stage between a region-proposal network and the
// final per-class detections: proposal selection (decode + NMS + sampling),
// training-target assignment, RoI pooling, and inference-time decoding.
// Every operation is a pure transform over batched (batch, N, ...) float32
// tensors; selector and assigner outputs are plain values detached from any
// compute graph, so sampling decisions can never leak gradients.
package frcnn

import "github.com/pkg/errors"

// HyperParams is the flat configuration surface shared by every stage of
// the detection head. Callers construct it once per model and pass it to
// the stage constructors, which validate it.
type HyperParams struct {
	// TotalPosBBoxes is the number of positive proposal slots sampled per
	// image. Unfilled slots are deterministic zero-box placeholders.
	TotalPosBBoxes int
	// TotalNegBBoxes is the number of negative (background) slots per
	// image. Negatives carry a label only, never geometry.
	TotalNegBBoxes int
	// NMSTopN caps the proposals surviving suppression per image.
	NMSTopN int
	// TotalLabels counts object classes plus one reserved background
	// class. The background class index is TotalLabels-1.
	TotalLabels int
	// PoolingHeight and PoolingWidth are the fixed spatial size RoI
	// pooling resizes every proposal crop to.
	PoolingHeight int
	PoolingWidth  int
	// AnchorCount is the number of anchor shapes per feature map cell.
	AnchorCount int
	// Stride is the backbone downsampling factor, image size over feature
	// map size.
	Stride int

	// NMSIoUThreshold suppresses a proposal overlapping a higher-scored
	// survivor beyond this value.
	NMSIoUThreshold float32
	// PositiveIoUThreshold marks a proposal positive when its best
	// ground-truth IoU exceeds it.
	PositiveIoUThreshold float32
	// NegativeIoUThreshold marks a proposal negative when its best
	// ground-truth IoU falls below it. Proposals between the two
	// thresholds are ignored by sampling.
	NegativeIoUThreshold float32
}

// DefaultHyperParams returns the standard VOC-style configuration.
func DefaultHyperParams() HyperParams {
	return HyperParams{
		TotalPosBBoxes:       64,
		TotalNegBBoxes:       64,
		NMSTopN:              300,
		TotalLabels:          21,
		PoolingHeight:        7,
		PoolingWidth:         7,
		AnchorCount:          9,
		Stride:               16,
		NMSIoUThreshold:      0.7,
		PositiveIoUThreshold: 0.5,
		NegativeIoUThreshold: 0.1,
	}
}

// TotalBBoxes returns the fixed proposal batch size per image.
func (p HyperParams) TotalBBoxes() int {
	return p.TotalPosBBoxes + p.TotalNegBBoxes
}

// BackgroundLabel returns the class index reserved for background.
func (p HyperParams) BackgroundLabel() int {
	return p.TotalLabels - 1
}

// Validate checks the configuration for caller bugs. Stage constructors
// call it so a bad configuration fails at build time, not mid-step.
func (p HyperParams) Validate() error {
	if p.TotalPosBBoxes <= 0 || p.TotalNegBBoxes <= 0 {
		return errors.Errorf(
			"proposal quotas must be positive, got pos=%d neg=%d",
			p.TotalPosBBoxes, p.TotalNegBBoxes)
	}
	if p.NMSTopN < p.TotalPosBBoxes {
		return errors.Errorf(
			"nms top-n %d cannot be below the positive quota %d",
			p.NMSTopN, p.TotalPosBBoxes)
	}
	if p.TotalLabels < 2 {
		return errors.Errorf(
			"total labels %d needs at least one object class plus background",
			p.TotalLabels)
	}
	if p.PoolingHeight <= 0 || p.PoolingWidth <= 0 {
		return errors.Errorf(
			"pooling size %dx%d must be positive", p.PoolingHeight, p.PoolingWidth)
	}
	if p.AnchorCount <= 0 {
		return errors.Errorf("anchor count %d must be positive", p.AnchorCount)
	}
	if p.Stride <= 0 {
		return errors.Errorf("stride %d must be positive", p.Stride)
	}
	if p.NMSIoUThreshold <= 0 || p.NMSIoUThreshold > 1 {
		return errors.Errorf("nms iou threshold %f outside (0, 1]", p.NMSIoUThreshold)
	}
	if p.NegativeIoUThreshold >= p.PositiveIoUThreshold {
		return errors.Errorf(
			"negative iou threshold %f must be below positive threshold %f",
			p.NegativeIoUThreshold, p.PositiveIoUThreshold)
	}
	return nil
}
