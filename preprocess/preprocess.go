// Package preprocess - Input preparation for the backbone provider.
package preprocess

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// FrameToInput prepares a captured frame for the backbone model.
//
// The frame is resized to the network input size and converted to a
// normalized CHW blob with channels swapped to RGB, matching the layout
// the backbone provider binds to its input tensor.
//
// Arguments:
//   - frame: The BGR input frame.
//   - width: Target network input width.
//   - height: Target network input height.
//
// Returns:
//   - Normalized CHW pixel data, 3*height*width values.
//   - An error if the frame is empty or blob extraction fails.
func FrameToInput(frame gocv.Mat, width, height int) ([]float32, error) {
	if frame.Empty() {
		return nil, errors.New("input frame is empty")
	}

	size := image.Point{X: width, Y: height}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, size, 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(resized, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "reading blob data")
	}
	// The blob buffer belongs to the Mat being closed; hand back a copy.
	return append([]float32(nil), data...), nil
}

// FeatureMapFromImage builds a backbone-like feature map from an image.
//
// The image is downsampled by the stride and its normalized RGB values
// fill the first three channels; remaining channels stay zero. This stands
// in for a real backbone in offline pipeline runs and tests, where the
// detection head only needs a spatially coherent feature map.
//
// Arguments:
//   - img: The source image.
//   - stride: Backbone downsampling factor.
//   - channels: Feature map depth C.
//
// Returns:
//   - Feature map, shape (1, H/stride, W/stride, channels).
//   - An error if the image is smaller than one stride cell.
func FeatureMapFromImage(img image.Image, stride, channels int) (*tensor.Dense, error) {
	if stride <= 0 || channels <= 0 {
		return nil, errors.Errorf(
			"stride %d and channels %d must be positive", stride, channels)
	}
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	featWidth := width / stride
	featHeight := height / stride
	if featWidth == 0 || featHeight == 0 {
		return nil, errors.Errorf(
			"image %dx%d smaller than one stride-%d cell", width, height, stride)
	}

	resized := resize.Resize(uint(featWidth), uint(featHeight), img, resize.Lanczos3)

	data := make([]float32, featHeight*featWidth*channels)
	for y := 0; y < featHeight; y++ {
		for x := 0; x < featWidth; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			base := (y*featWidth + x) * channels
			data[base] = float32(r>>8) / 255.0
			if channels > 1 {
				data[base+1] = float32(g>>8) / 255.0
			}
			if channels > 2 {
				data[base+2] = float32(b>>8) / 255.0
			}
		}
	}
	return tensor.New(
		tensor.WithShape(1, featHeight, featWidth, channels),
		tensor.WithBacking(data)), nil
}
