// Package boxes - Batched bounding box geometry for two-stage detectors.
//
// All tensors use the normalized (y1, x1, y2, x2) corner layout, batched as
// (batch, N, 4) float32. A box whose four coordinates all equal PaddingCoord
// is a padding sentinel and is excluded from IoU and matching.
package boxes

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PaddingCoord marks an unused box slot in a right-padded box tensor.
const PaddingCoord = float32(-1)

const (
	// minBoxSize guards divisions and log ratios against degenerate boxes.
	minBoxSize = float32(1e-3)
	// maxLogRatio caps dh/dw before exponentiation so a corrupt delta
	// cannot overflow the decoded box size.
	maxLogRatio = float32(10)
)

// Box is a single normalized bounding box.
type Box struct {
	Y1, X1, Y2, X2 float32
}

// Delta is the 4-parameter relative encoding of a box against a reference
// box: center offsets normalized by the reference size, plus log size ratios.
type Delta struct {
	DY, DX, DH, DW float32
}

// IsPadding reports whether the box is the all--1 padding sentinel.
func (b Box) IsPadding() bool {
	return b.Y1 == PaddingCoord && b.X1 == PaddingCoord &&
		b.Y2 == PaddingCoord && b.X2 == PaddingCoord
}

// Area returns the box area. Degenerate (inverted) boxes have area 0.
func (b Box) Area() float32 {
	return math32.Max(0, b.Y2-b.Y1) * math32.Max(0, b.X2-b.X1)
}

// IoU calculates the Intersection over Union between two boxes.
//
// Arguments:
//   - o: The other box to compare against.
//
// Returns:
//   - A value between 0 and 1. Pairs involving a padding sentinel score 0.
func (b Box) IoU(o Box) float32 {
	if b.IsPadding() || o.IsPadding() {
		return 0
	}

	iy1 := math32.Max(b.Y1, o.Y1)
	ix1 := math32.Max(b.X1, o.X1)
	iy2 := math32.Min(b.Y2, o.Y2)
	ix2 := math32.Min(b.X2, o.X2)

	interH := iy2 - iy1
	interW := ix2 - ix1
	if interH <= 0 || interW <= 0 {
		return 0
	}
	inter := interH * interW

	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// EncodeBox computes the delta that maps a reference box onto a target box.
//
// The center offsets are normalized by the reference size and the size terms
// are log ratios. Reference and target sizes are floored at a small epsilon
// so a zero-sized box can never produce a division by zero or log(0).
//
// Arguments:
//   - ref: The reference box (anchor or proposal).
//   - target: The box the delta should reproduce.
//
// Returns:
//   - The encoding of target relative to ref.
func EncodeBox(ref, target Box) Delta {
	refH := math32.Max(ref.Y2-ref.Y1, minBoxSize)
	refW := math32.Max(ref.X2-ref.X1, minBoxSize)
	refCY := ref.Y1 + refH/2
	refCX := ref.X1 + refW/2

	tgtH := math32.Max(target.Y2-target.Y1, minBoxSize)
	tgtW := math32.Max(target.X2-target.X1, minBoxSize)
	tgtCY := target.Y1 + tgtH/2
	tgtCX := target.X1 + tgtW/2

	return Delta{
		DY: (tgtCY - refCY) / refH,
		DX: (tgtCX - refCX) / refW,
		DH: math32.Log(tgtH / refH),
		DW: math32.Log(tgtW / refW),
	}
}

// DecodeBox applies a delta to a reference box, producing an absolute box.
//
// The decoded box is clipped to the normalized [0, 1] range and its corners
// are re-ordered so y2 >= y1 and x2 >= x1 even for degenerate deltas.
//
// Arguments:
//   - ref: The reference box the delta was predicted against.
//   - d: The predicted delta.
//
// Returns:
//   - The absolute decoded box.
func DecodeBox(ref Box, d Delta) Box {
	refH := math32.Max(ref.Y2-ref.Y1, minBoxSize)
	refW := math32.Max(ref.X2-ref.X1, minBoxSize)
	refCY := ref.Y1 + refH/2
	refCX := ref.X1 + refW/2

	h := refH * math32.Exp(math32.Min(d.DH, maxLogRatio))
	w := refW * math32.Exp(math32.Min(d.DW, maxLogRatio))
	cy := refCY + d.DY*refH
	cx := refCX + d.DX*refW

	out := Box{
		Y1: clip01(cy - h/2),
		X1: clip01(cx - w/2),
		Y2: clip01(cy + h/2),
		X2: clip01(cx + w/2),
	}
	out.Y2 = math32.Max(out.Y2, out.Y1)
	out.X2 = math32.Max(out.X2, out.X1)
	return out
}

func clip01(v float32) float32 {
	return math32.Max(0, math32.Min(1, v))
}

// Decode applies batched deltas to batched reference boxes.
//
// Arguments:
//   - refBoxes: Reference boxes, shape (batch, N, 4).
//   - deltas: Predicted deltas. Any shape holding batch*N*4 elements is
//     accepted so flattened RPN heads ((batch, H, W, A*4)) can be passed
//     without an explicit reshape.
//
// Returns:
//   - Absolute boxes, shape (batch, N, 4).
//   - An error if the element counts disagree.
func Decode(refBoxes, deltas *tensor.Dense) (*tensor.Dense, error) {
	batch, n, err := boxShape("reference boxes", refBoxes)
	if err != nil {
		return nil, err
	}
	deltaData, err := Float32Data("deltas", deltas)
	if err != nil {
		return nil, err
	}
	refData := refBoxes.Data().([]float32)
	if len(deltaData) != len(refData) {
		return nil, errors.Errorf(
			"deltas hold %d values, reference boxes need %d", len(deltaData), len(refData))
	}

	out := make([]float32, len(refData))
	for i := 0; i < batch*n; i++ {
		off := i * 4
		b := DecodeBox(boxAt(refData, off), Delta{
			DY: deltaData[off],
			DX: deltaData[off+1],
			DH: deltaData[off+2],
			DW: deltaData[off+3],
		})
		putBox(out, off, b)
	}
	return tensor.New(tensor.WithShape(batch, n, 4), tensor.WithBacking(out)), nil
}

// Encode computes batched deltas mapping reference boxes onto target boxes.
//
// Arguments:
//   - refBoxes: Reference boxes, shape (batch, N, 4).
//   - targetBoxes: Target boxes, shape (batch, N, 4).
//
// Returns:
//   - Deltas, shape (batch, N, 4).
//   - An error if the shapes disagree.
func Encode(refBoxes, targetBoxes *tensor.Dense) (*tensor.Dense, error) {
	batch, n, err := boxShape("reference boxes", refBoxes)
	if err != nil {
		return nil, err
	}
	tb, tn, err := boxShape("target boxes", targetBoxes)
	if err != nil {
		return nil, err
	}
	if tb != batch || tn != n {
		return nil, errors.Errorf(
			"target boxes shaped (%d, %d, 4), want (%d, %d, 4)", tb, tn, batch, n)
	}

	refData := refBoxes.Data().([]float32)
	tgtData := targetBoxes.Data().([]float32)
	out := make([]float32, len(refData))
	for i := 0; i < batch*n; i++ {
		off := i * 4
		d := EncodeBox(boxAt(refData, off), boxAt(tgtData, off))
		out[off] = d.DY
		out[off+1] = d.DX
		out[off+2] = d.DH
		out[off+3] = d.DW
	}
	return tensor.New(tensor.WithShape(batch, n, 4), tensor.WithBacking(out)), nil
}

// IoU computes the pairwise IoU matrix between two batched box sets.
//
// Arguments:
//   - a: Boxes, shape (batch, N, 4).
//   - b: Boxes, shape (batch, M, 4).
//
// Returns:
//   - IoU scores, shape (batch, N, M). Pairs with a padding sentinel are 0.
//   - An error if the batch sizes disagree.
func IoU(a, b *tensor.Dense) (*tensor.Dense, error) {
	batch, n, err := boxShape("boxes a", a)
	if err != nil {
		return nil, err
	}
	bBatch, m, err := boxShape("boxes b", b)
	if err != nil {
		return nil, err
	}
	if bBatch != batch {
		return nil, errors.Errorf("batch mismatch: %d vs %d", batch, bBatch)
	}

	aData := a.Data().([]float32)
	bData := b.Data().([]float32)
	out := make([]float32, batch*n*m)
	for img := 0; img < batch; img++ {
		for i := 0; i < n; i++ {
			boxA := boxAt(aData, (img*n+i)*4)
			row := (img*n + i) * m
			for j := 0; j < m; j++ {
				out[row+j] = boxA.IoU(boxAt(bData, (img*m+j)*4))
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, n, m), tensor.WithBacking(out)), nil
}

// boxShape validates a (batch, N, 4) float32 box tensor.
func boxShape(name string, t *tensor.Dense) (batch, n int, err error) {
	if t == nil {
		return 0, 0, errors.Errorf("%s tensor is nil", name)
	}
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != 4 {
		return 0, 0, errors.Errorf("%s shaped %v, want (batch, N, 4)", name, shape)
	}
	if _, ok := t.Data().([]float32); !ok {
		return 0, 0, errors.Errorf("%s must be float32, got %v", name, t.Dtype())
	}
	return shape[0], shape[1], nil
}

// Float32Data returns the float32 backing slice of a tensor of any shape.
func Float32Data(name string, t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Errorf("%s tensor is nil", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("%s must be float32, got %v", name, t.Dtype())
	}
	return data, nil
}

func boxAt(data []float32, off int) Box {
	return Box{Y1: data[off], X1: data[off+1], Y2: data[off+2], X2: data[off+3]}
}

func putBox(data []float32, off int, b Box) {
	data[off] = b.Y1
	data[off+1] = b.X1
	data[off+2] = b.Y2
	data[off+3] = b.X2
}
