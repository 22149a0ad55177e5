package frcnn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// HeadConfig sizes the dense detection head applied to pooled features.
type HeadConfig struct {
	// Batch is the number of images per step. The head graph is compiled
	// for a fixed batch size.
	Batch int
	// Channels is the feature map depth C fed into the pooler.
	Channels int
	// Hidden1 and Hidden2 are the fully-connected layer widths. Zero
	// selects the standard 4096/2048 stack.
	Hidden1 int
	Hidden2 int
}

// Head is the classification/regression head run on pooled RoI features:
// flatten, two ReLU dense layers, then per-class softmax scores and linear
// box deltas. It is the only differentiable part of the package; the
// pooled features it consumes enter the graph as constant input values, so
// no gradient can reach the sampling decisions upstream.
type Head struct {
	params HyperParams
	config HeadConfig

	graph  *G.ExprGraph
	input  *G.Node
	scores *G.Node
	deltas *G.Node
	vm     G.VM
}

// NewHead builds and compiles the detection head graph.
//
// Arguments:
//   - params: The shared detection-head configuration.
//   - config: Layer widths and the fixed batch size.
//
// Returns:
//   - *Head: The compiled head. Not safe for concurrent Forward calls.
//   - error: A validation or graph construction error.
func NewHead(params HyperParams, config HeadConfig) (*Head, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "detection head")
	}
	if config.Batch <= 0 || config.Channels <= 0 {
		return nil, errors.Errorf(
			"head batch %d and channels %d must be positive", config.Batch, config.Channels)
	}
	if config.Hidden1 <= 0 {
		config.Hidden1 = 4096
	}
	if config.Hidden2 <= 0 {
		config.Hidden2 = 2048
	}

	rows := config.Batch * params.TotalBBoxes()
	features := params.PoolingHeight * params.PoolingWidth * config.Channels

	g := G.NewGraph()
	input := G.NewMatrix(g, tensor.Float32,
		G.WithShape(rows, features), G.WithName("pooled"))

	h1, err := denseLayer(g, input, features, config.Hidden1, "fc1", true)
	if err != nil {
		return nil, err
	}
	h2, err := denseLayer(g, h1, config.Hidden1, config.Hidden2, "fc2", true)
	if err != nil {
		return nil, err
	}

	clsLogits, err := denseLayer(g, h2, config.Hidden2, params.TotalLabels, "cls", false)
	if err != nil {
		return nil, err
	}
	scores, err := G.SoftMax(clsLogits, 1)
	if err != nil {
		return nil, errors.Wrap(err, "softmax over class logits")
	}

	deltas, err := denseLayer(g, h2, config.Hidden2, params.TotalLabels*4, "reg", false)
	if err != nil {
		return nil, err
	}

	return &Head{
		params: params,
		config: config,
		graph:  g,
		input:  input,
		scores: scores,
		deltas: deltas,
		vm:     G.NewTapeMachine(g),
	}, nil
}

// denseLayer adds x*W + b with optional ReLU to the graph.
func denseLayer(g *G.ExprGraph, x *G.Node, in, out int, name string, relu bool) (*G.Node, error) {
	w := G.NewMatrix(g, tensor.Float32,
		G.WithShape(in, out), G.WithName(name+"_w"), G.WithInit(G.GlorotU(1)))
	b := G.NewMatrix(g, tensor.Float32,
		G.WithShape(1, out), G.WithName(name+"_b"), G.WithInit(G.Zeroes()))

	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s matmul", name)
	}
	y, err := G.BroadcastAdd(xw, b, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s bias", name)
	}
	if !relu {
		return y, nil
	}
	activated, err := G.Rectify(y)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s relu", name)
	}
	return activated, nil
}

// Forward runs the head over a pooled feature tensor.
//
// Arguments:
//   - pooled: Pooler output, shape (Batch, TotalBBoxes, PoolingHeight,
//     PoolingWidth, Channels).
//
// Returns:
//   - Class scores, shape (Batch, TotalBBoxes, TotalLabels), rows softmaxed.
//   - Box deltas, shape (Batch, TotalBBoxes, TotalLabels*4).
//   - An error on shape mismatch or execution failure.
func (h *Head) Forward(pooled *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	rows := h.config.Batch * h.params.TotalBBoxes()
	features := h.params.PoolingHeight * h.params.PoolingWidth * h.config.Channels

	data, ok := pooled.Data().([]float32)
	if !ok {
		return nil, nil, errors.Errorf("pooled features must be float32, got %v", pooled.Dtype())
	}
	if len(data) != rows*features {
		return nil, nil, errors.Errorf(
			"pooled features hold %d values, head compiled for %d", len(data), rows*features)
	}

	flat := tensor.New(tensor.WithShape(rows, features), tensor.WithBacking(data))
	if err := G.Let(h.input, flat); err != nil {
		return nil, nil, errors.Wrap(err, "binding pooled features")
	}

	h.vm.Reset()
	if err := h.vm.RunAll(); err != nil {
		return nil, nil, errors.Wrap(err, "running detection head")
	}

	scoreData := append([]float32(nil), h.scores.Value().Data().([]float32)...)
	deltaData := append([]float32(nil), h.deltas.Value().Data().([]float32)...)

	total := h.params.TotalBBoxes()
	scores := tensor.New(
		tensor.WithShape(h.config.Batch, total, h.params.TotalLabels),
		tensor.WithBacking(scoreData))
	deltas := tensor.New(
		tensor.WithShape(h.config.Batch, total, h.params.TotalLabels*4),
		tensor.WithBacking(deltaData))
	return scores, deltas, nil
}

// Close releases the head's virtual machine.
func (h *Head) Close() {
	if h.vm != nil {
		h.vm.Close()
		h.vm = nil
	}
}
