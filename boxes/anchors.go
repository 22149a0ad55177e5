// Package boxes - Anchor grid generation.
package boxes

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AnchorConfig describes the anchor grid laid over a backbone feature map.
type AnchorConfig struct {
	// FeatureHeight and FeatureWidth are the spatial dimensions of the
	// backbone output, i.e. image size divided by the backbone stride.
	FeatureHeight int
	FeatureWidth  int
	// Ratios are height/width aspect ratios, one anchor shape per ratio
	// and scale combination.
	Ratios []float32
	// Scales are anchor side lengths in normalized image coordinates.
	Scales []float32
}

// Count returns the number of anchor shapes per spatial location.
func (c AnchorConfig) Count() int {
	return len(c.Ratios) * len(c.Scales)
}

// GenerateAnchors builds the normalized anchor grid for one image.
//
// Anchors are centered on feature map cells, ordered row-major by cell with
// the ratio/scale shapes innermost, matching the layout of flattened RPN
// head outputs. Corners may fall outside [0, 1] for large anchors near the
// image border; decoding clips them back.
//
// Returns:
//   - Anchor boxes, shape (FeatureHeight*FeatureWidth*Count, 4).
//   - An error if the configuration is empty.
func GenerateAnchors(cfg AnchorConfig) (*tensor.Dense, error) {
	if cfg.FeatureHeight <= 0 || cfg.FeatureWidth <= 0 {
		return nil, errors.Errorf(
			"feature map %dx%d must be positive", cfg.FeatureHeight, cfg.FeatureWidth)
	}
	if cfg.Count() == 0 {
		return nil, errors.New("anchor config needs at least one ratio and one scale")
	}

	// Anchor shapes shared by every cell. Area is preserved across ratios:
	// h = scale*sqrt(ratio), w = scale/sqrt(ratio).
	shapes := make([][2]float32, 0, cfg.Count())
	for _, ratio := range cfg.Ratios {
		root := math32.Sqrt(ratio)
		for _, scale := range cfg.Scales {
			shapes = append(shapes, [2]float32{scale * root, scale / root})
		}
	}

	total := cfg.FeatureHeight * cfg.FeatureWidth * len(shapes)
	data := make([]float32, total*4)
	idx := 0
	for y := 0; y < cfg.FeatureHeight; y++ {
		cy := (float32(y) + 0.5) / float32(cfg.FeatureHeight)
		for x := 0; x < cfg.FeatureWidth; x++ {
			cx := (float32(x) + 0.5) / float32(cfg.FeatureWidth)
			for _, s := range shapes {
				h, w := s[0], s[1]
				data[idx] = cy - h/2
				data[idx+1] = cx - w/2
				data[idx+2] = cy + h/2
				data[idx+3] = cx + w/2
				idx += 4
			}
		}
	}
	return tensor.New(tensor.WithShape(total, 4), tensor.WithBacking(data)), nil
}

// TileAnchors repeats a single-image anchor set across a batch.
//
// Arguments:
//   - anchors: Anchor boxes, shape (N, 4).
//   - batch: Number of images.
//
// Returns:
//   - Anchor boxes, shape (batch, N, 4). The anchor grid is identical for
//     every image in a batch since the feature map resolution is fixed.
func TileAnchors(anchors *tensor.Dense, batch int) (*tensor.Dense, error) {
	if batch <= 0 {
		return nil, errors.Errorf("batch %d must be positive", batch)
	}
	shape := anchors.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return nil, errors.Errorf("anchors shaped %v, want (N, 4)", shape)
	}
	src, err := Float32Data("anchors", anchors)
	if err != nil {
		return nil, err
	}

	out := make([]float32, batch*len(src))
	for b := 0; b < batch; b++ {
		copy(out[b*len(src):], src)
	}
	return tensor.New(tensor.WithShape(batch, shape[0], 4), tensor.WithBacking(out)), nil
}
