package frcnn

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// logEpsilon keeps cross-entropy finite for hard 0/1 probabilities.
const logEpsilon = float32(1e-7)

// RegressionLoss computes the smooth-L1 (Huber, delta 1) loss between
// predicted and target box deltas, averaged over elements.
//
// The per-class scatter of the targets makes this loss class-selective on
// its own: a proposal assigned class c contributes non-zero targets only in
// c's columns, so other class heads are only pulled toward zero.
//
// Arguments:
//   - pred: Predicted deltas, any shape.
//   - target: Target deltas of identical element count.
//
// Returns:
//   - The mean smooth-L1 loss.
//   - An error if the element counts disagree.
func RegressionLoss(pred, target *tensor.Dense) (float32, error) {
	p, err := boxes.Float32Data("predicted deltas", pred)
	if err != nil {
		return 0, err
	}
	t, err := boxes.Float32Data("target deltas", target)
	if err != nil {
		return 0, err
	}
	if len(p) != len(t) {
		return 0, errors.Errorf("prediction holds %d values, target %d", len(p), len(t))
	}
	if len(p) == 0 {
		return 0, nil
	}

	sum := float32(0)
	for i := range p {
		diff := math32.Abs(p[i] - t[i])
		if diff < 1 {
			sum += 0.5 * diff * diff
		} else {
			sum += diff - 0.5
		}
	}
	return sum / float32(len(p)), nil
}

// ClassificationLoss computes categorical cross-entropy between predicted
// class probabilities and one-hot targets, averaged over proposals.
//
// Arguments:
//   - pred: Predicted probabilities, shape (..., classes), rows summing
//     to 1 (softmax output).
//   - target: One-hot targets of identical shape.
//   - classes: Number of classes in the trailing dimension.
//
// Returns:
//   - The mean cross-entropy.
//   - An error if the shapes disagree.
func ClassificationLoss(pred, target *tensor.Dense, classes int) (float32, error) {
	if classes <= 0 {
		return 0, errors.Errorf("class count %d must be positive", classes)
	}
	p, err := boxes.Float32Data("predicted probabilities", pred)
	if err != nil {
		return 0, err
	}
	t, err := boxes.Float32Data("one-hot targets", target)
	if err != nil {
		return 0, err
	}
	if len(p) != len(t) || len(p)%classes != 0 {
		return 0, errors.Errorf(
			"prediction holds %d values, target %d, classes %d", len(p), len(t), classes)
	}
	rows := len(p) / classes
	if rows == 0 {
		return 0, nil
	}

	sum := float32(0)
	for i := range p {
		if t[i] != 0 {
			sum -= t[i] * math32.Log(p[i]+logEpsilon)
		}
	}
	return sum / float32(rows), nil
}

// BinaryClassificationLoss computes binary cross-entropy between RPN
// objectness scores and 0/1 foreground labels, averaged over anchors.
//
// Arguments:
//   - scores: Predicted foreground probabilities, any shape.
//   - labels: Matching 0/1 labels of identical element count.
//
// Returns:
//   - The mean binary cross-entropy.
//   - An error if the element counts disagree.
func BinaryClassificationLoss(scores, labels *tensor.Dense) (float32, error) {
	s, err := boxes.Float32Data("objectness scores", scores)
	if err != nil {
		return 0, err
	}
	l, err := boxes.Float32Data("objectness labels", labels)
	if err != nil {
		return 0, err
	}
	if len(s) != len(l) {
		return 0, errors.Errorf("scores hold %d values, labels %d", len(s), len(l))
	}
	if len(s) == 0 {
		return 0, nil
	}

	sum := float32(0)
	for i := range s {
		sum -= l[i]*math32.Log(s[i]+logEpsilon) +
			(1-l[i])*math32.Log(1-s[i]+logEpsilon)
	}
	return sum / float32(len(s)), nil
}
