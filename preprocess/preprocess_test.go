package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFeatureMapFromImageShape validates the downsampled feature map shape
// and the normalized value range.
func TestFeatureMapFromImageShape(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 8), B: 128, A: 255})
		}
	}

	fm, err := FeatureMapFromImage(img, 16, 8)
	require.NoError(t, err, "valid image should convert")
	require.Equal(t, []int{1, 2, 4, 8}, []int(fm.Shape()),
		"feature map is (1, H/stride, W/stride, channels)")

	for i, v := range fm.Data().([]float32) {
		assert.GreaterOrEqual(t, v, float32(0), "value %d normalized lower bound", i)
		assert.LessOrEqual(t, v, float32(1), "value %d normalized upper bound", i)
	}
}

// TestFeatureMapFromImageFillsLeadingChannels validates that RGB data
// lands in the first three channels and the rest stay zero.
func TestFeatureMapFromImageFillsLeadingChannels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	fm, err := FeatureMapFromImage(img, 16, 5)
	require.NoError(t, err)

	data := fm.Data().([]float32)
	require.Len(t, data, 5, "single cell with five channels")
	assert.InDelta(t, 1.0, data[0], 1e-6, "red channel filled")
	assert.InDelta(t, 1.0, data[1], 1e-6, "green channel filled")
	assert.InDelta(t, 1.0, data[2], 1e-6, "blue channel filled")
	assert.Equal(t, float32(0), data[3], "extra channels stay zero")
	assert.Equal(t, float32(0), data[4], "extra channels stay zero")
}

// TestFeatureMapFromImageRejectsTinyImage validates fail-fast behavior
// for an image smaller than one stride cell.
func TestFeatureMapFromImageRejectsTinyImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	_, err := FeatureMapFromImage(img, 16, 3)
	require.Error(t, err, "sub-cell images cannot produce a feature map")
}
