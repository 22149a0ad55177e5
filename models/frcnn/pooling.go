package frcnn

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-frcnn/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RoIPooler crops every proposal's region out of the shared feature map and
// bilinearly resizes it to a fixed spatial grid, per channel.
type RoIPooler struct {
	params HyperParams
}

// NewRoIPooler creates a RoI pooler.
//
// Arguments:
//   - params: The shared detection-head configuration.
//
// Returns:
//   - *RoIPooler: The configured pooler.
//   - error: A validation error if the configuration is inconsistent.
func NewRoIPooler(params HyperParams) (*RoIPooler, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "roi pooler")
	}
	return &RoIPooler{params: params}, nil
}

// Pool resamples each proposal crop to (PoolingHeight, PoolingWidth).
//
// Proposal i of image b reads exclusively from image b's feature map slice;
// the flat output offset is computed from (b, i) so no crop can cross an
// image boundary. Sampling follows crop-and-resize semantics: the pooled
// grid spans the box inclusively in source pixel coordinates, values are
// bilinearly interpolated, and sample points are clamped to the feature map
// edge.
//
// Arguments:
//   - featureMap: Backbone output, shape (batch, H, W, C).
//   - roiBoxes: Proposal batch, shape (batch, TotalBBoxes, 4), normalized
//     image coordinates.
//
// Returns:
//   - Pooled features, shape (batch, TotalBBoxes, PoolingHeight,
//     PoolingWidth, C).
//   - An error on any shape mismatch.
func (p *RoIPooler) Pool(featureMap, roiBoxes *tensor.Dense) (*tensor.Dense, error) {
	fmShape := featureMap.Shape()
	if len(fmShape) != 4 {
		return nil, errors.Errorf("feature map shaped %v, want (batch, H, W, C)", fmShape)
	}
	batch, height, width, channels := fmShape[0], fmShape[1], fmShape[2], fmShape[3]

	total := p.params.TotalBBoxes()
	roiShape := roiBoxes.Shape()
	if len(roiShape) != 3 || roiShape[0] != batch || roiShape[1] != total || roiShape[2] != 4 {
		return nil, errors.Errorf(
			"proposal batch shaped %v, want (%d, %d, 4)", roiShape, batch, total)
	}

	fmData, err := boxes.Float32Data("feature map", featureMap)
	if err != nil {
		return nil, err
	}
	roiData, err := boxes.Float32Data("proposal batch", roiBoxes)
	if err != nil {
		return nil, err
	}

	ph, pw := p.params.PoolingHeight, p.params.PoolingWidth
	out := make([]float32, batch*total*ph*pw*channels)

	for img := 0; img < batch; img++ {
		imageBase := img * height * width * channels
		for slot := 0; slot < total; slot++ {
			roiOff := (img*total + slot) * 4
			y1, x1 := roiData[roiOff], roiData[roiOff+1]
			y2, x2 := roiData[roiOff+2], roiData[roiOff+3]

			outBase := ((img*total + slot) * ph * pw) * channels
			for py := 0; py < ph; py++ {
				srcY := gridCoord(y1, y2, py, ph, height)
				for px := 0; px < pw; px++ {
					srcX := gridCoord(x1, x2, px, pw, width)
					dst := outBase + (py*pw+px)*channels
					bilinearSample(
						fmData[imageBase:imageBase+height*width*channels],
						height, width, channels, srcY, srcX, out[dst:dst+channels])
				}
			}
		}
	}

	return tensor.New(
		tensor.WithShape(batch, total, ph, pw, channels),
		tensor.WithBacking(out)), nil
}

// gridCoord maps pooled cell index i of n onto the source coordinate range
// [lo, hi] expressed in pixel space of a size-long axis. A single-cell axis
// samples the range midpoint.
func gridCoord(lo, hi float32, i, n, size int) float32 {
	span := float32(size - 1)
	if n == 1 {
		return (lo + hi) / 2 * span
	}
	step := (hi - lo) * span / float32(n-1)
	return lo*span + float32(i)*step
}

// bilinearSample interpolates all channels at fractional position (y, x),
// clamping to the feature map border.
func bilinearSample(img []float32, height, width, channels int, y, x float32, dst []float32) {
	y = math32.Max(0, math32.Min(y, float32(height-1)))
	x = math32.Max(0, math32.Min(x, float32(width-1)))

	y0 := int(math32.Floor(y))
	x0 := int(math32.Floor(x))
	y1 := y0
	if y0+1 < height {
		y1 = y0 + 1
	}
	x1 := x0
	if x0+1 < width {
		x1 = x0 + 1
	}
	fy := y - float32(y0)
	fx := x - float32(x0)

	for c := 0; c < channels; c++ {
		top := img[(y0*width+x0)*channels+c]*(1-fx) + img[(y0*width+x1)*channels+c]*fx
		bot := img[(y1*width+x0)*channels+c]*(1-fx) + img[(y1*width+x1)*channels+c]*fx
		dst[c] = top*(1-fy) + bot*fy
	}
}
