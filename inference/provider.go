// Package inference - ONNX-backed backbone and proposal-network provider.
//
// The detection head treats the convolutional backbone and the region
// proposal network as external collaborators. This package runs both as a
// single ONNX model and hands the head its input triple: the shared
// feature map, the RPN box deltas, and the RPN foreground scores.
package inference

import (
	"log"
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Config describes the backbone+RPN ONNX model.
type Config struct {
	// ModelPath is the ONNX model file.
	ModelPath string
	// LibraryPath overrides the onnxruntime shared library location.
	// Empty selects the platform default.
	LibraryPath string
	// ImageHeight and ImageWidth are the network input size.
	ImageHeight int
	ImageWidth  int
	// Stride is the backbone downsampling factor.
	Stride int
	// AnchorCount is the number of anchor shapes per feature map cell.
	AnchorCount int
	// FeatureChannels is the backbone output depth C.
	FeatureChannels int
	// InputName and OutputNames identify the model's graph tensors in the
	// order feature map, RPN deltas, RPN scores.
	InputName   string
	OutputNames [3]string
	// IntraOpThreads parallelizes within graph nodes. Zero uses the
	// runtime default.
	IntraOpThreads int
}

// featureSize returns the backbone output spatial dimensions.
func (c Config) featureSize() (h, w int) {
	return c.ImageHeight / c.Stride, c.ImageWidth / c.Stride
}

// Provider owns an ONNX session producing the detection head's inputs.
type Provider struct {
	config  Config
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs [3]*ort.Tensor[float32]
}

// NewProvider creates a backbone+RPN provider.
//
// Arguments:
//   - config: The model description. ImageHeight/ImageWidth must be
//     multiples of Stride.
//
// Returns:
//   - *Provider: The initialized provider.
//   - error: An initialization error.
func NewProvider(config Config) (*Provider, error) {
	if config.ImageHeight <= 0 || config.ImageWidth <= 0 ||
		config.ImageHeight%config.Stride != 0 || config.ImageWidth%config.Stride != 0 {
		return nil, errors.Errorf(
			"input %dx%d must be positive multiples of stride %d",
			config.ImageWidth, config.ImageHeight, config.Stride)
	}
	if config.AnchorCount <= 0 || config.FeatureChannels <= 0 {
		return nil, errors.Errorf(
			"anchor count %d and feature channels %d must be positive",
			config.AnchorCount, config.FeatureChannels)
	}
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "backbone model %s", config.ModelPath)
	}

	libPath := config.LibraryPath
	if libPath == "" {
		libPath = SharedLibPath()
	}
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initializing onnxruntime environment")
		}
	}

	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, 3, int64(config.ImageHeight), int64(config.ImageWidth)))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	featH, featW := config.featureSize()
	outputShapes := []ort.Shape{
		ort.NewShape(1, int64(featH), int64(featW), int64(config.FeatureChannels)),
		ort.NewShape(1, int64(featH), int64(featW), int64(config.AnchorCount*4)),
		ort.NewShape(1, int64(featH), int64(featW), int64(config.AnchorCount)),
	}
	var outputs [3]*ort.Tensor[float32]
	for i, shape := range outputShapes {
		outputs[i], err = ort.NewEmptyTensor[float32](shape)
		if err != nil {
			input.Destroy()
			for j := 0; j < i; j++ {
				outputs[j].Destroy()
			}
			return nil, errors.Wrapf(err, "creating output tensor %s", config.OutputNames[i])
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()
	if config.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, "setting intra-op threads")
		}
	}

	session, err := ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		config.OutputNames[:],
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{outputs[0], outputs[1], outputs[2]},
		options,
	)
	if err != nil {
		input.Destroy()
		for _, o := range outputs {
			o.Destroy()
		}
		return nil, errors.Wrapf(err, "creating session for %s", config.ModelPath)
	}

	log.Printf("backbone provider ready: %s (%dx%d, stride %d, %d anchors/cell)",
		config.ModelPath, config.ImageWidth, config.ImageHeight,
		config.Stride, config.AnchorCount)

	return &Provider{config: config, session: session, input: input, outputs: outputs}, nil
}

// Run executes the backbone+RPN model over one preprocessed image.
//
// Arguments:
//   - input: Normalized CHW pixel data, 3*ImageHeight*ImageWidth values.
//
// Returns:
//   - Feature map, shape (1, H', W', C).
//   - RPN deltas, shape (1, H', W', AnchorCount*4).
//   - RPN scores, shape (1, H', W', AnchorCount).
//   - An error on size mismatch or execution failure.
func (p *Provider) Run(input []float32) (featureMap, rpnDeltas, rpnScores *tensor.Dense, err error) {
	want := 3 * p.config.ImageHeight * p.config.ImageWidth
	if len(input) != want {
		return nil, nil, nil, errors.Errorf("input holds %d values, want %d", len(input), want)
	}
	copy(p.input.GetData(), input)

	if err := p.session.Run(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "running backbone model")
	}

	featH, featW := p.config.featureSize()
	featureMap = denseCopy(p.outputs[0].GetData(),
		1, featH, featW, p.config.FeatureChannels)
	rpnDeltas = denseCopy(p.outputs[1].GetData(),
		1, featH, featW, p.config.AnchorCount*4)
	rpnScores = denseCopy(p.outputs[2].GetData(),
		1, featH, featW, p.config.AnchorCount)
	return featureMap, rpnDeltas, rpnScores, nil
}

// Close releases the session and its tensors.
func (p *Provider) Close() {
	if p.session != nil {
		p.session.Destroy()
		p.session = nil
	}
	if p.input != nil {
		p.input.Destroy()
		p.input = nil
	}
	for i, o := range p.outputs {
		if o != nil {
			o.Destroy()
			p.outputs[i] = nil
		}
	}
	log.Printf("backbone provider closed: %s", p.config.ModelPath)
}

// denseCopy snapshots onnxruntime-owned output data into a tensor the
// caller can keep past the next Run.
func denseCopy(src []float32, shape ...int) *tensor.Dense {
	data := append([]float32(nil), src...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}
