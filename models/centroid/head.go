// Package centroid implements a nearest-class-centroid image classifier.
//
// Each image is average pooled to a Grid x Grid thumbnail per channel and
// flattened in CHW order. Every class keeps a centroid in that feature
// space and the logit for class j is
//
//	scale * (2 x.c_j - |c_j|^2)
//
// which ranks classes exactly like -scale*|x-c_j|^2. Training takes the
// analytic cross entropy gradient with respect to the centroids.
package centroid

import (
	"fmt"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/optimizer"
	"github.com/tsawler/go-hansik/training"
)

// State dict keys.
const (
	WeightKey = "classifier.1.weight" // [C, F]
	ScaleKey  = "classifier.1.scale"  // [1]
)

// DefaultGrid is the pooled thumbnail edge.
const DefaultGrid = 16

// Config describes a head.
type Config struct {
	NumClasses int
	InputSize  int     // square input edge, a multiple of Grid
	Grid       int     // pooled edge; 0 means DefaultGrid
	Scale      float32 // logit temperature; 0 means 20/F
}

// Head is the classifier. It is not safe for concurrent training.
type Head struct {
	numClasses int
	inputSize  int
	grid       int
	features   int
	scale      float32
	params     checkpoints.StateDict
	loss       *training.CrossEntropyLoss
}

// New creates a head with all centroids at the origin.
func New(cfg Config) (*Head, error) {
	if cfg.Grid == 0 {
		cfg.Grid = DefaultGrid
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.InputSize <= 0 || cfg.Grid <= 0 || cfg.InputSize%cfg.Grid != 0 {
		return nil, fmt.Errorf("input size %d is not a multiple of grid %d", cfg.InputSize, cfg.Grid)
	}

	features := 3 * cfg.Grid * cfg.Grid
	if cfg.Scale == 0 {
		cfg.Scale = 20 / float32(features)
	}
	if cfg.Scale < 0 {
		return nil, fmt.Errorf("scale must be positive, got %v", cfg.Scale)
	}

	return &Head{
		numClasses: cfg.NumClasses,
		inputSize:  cfg.InputSize,
		grid:       cfg.Grid,
		features:   features,
		scale:      cfg.Scale,
		params: checkpoints.StateDict{
			WeightKey: {Shape: []int{cfg.NumClasses, features}, Data: make([]float32, cfg.NumClasses*features)},
		},
		loss: training.NewCrossEntropyLoss("mean"),
	}, nil
}

// FromStateDict rebuilds a head from saved state. The class count and
// grid come from the weight shape.
func FromStateDict(state checkpoints.StateDict, inputSize int) (*Head, error) {
	w, ok := state[WeightKey]
	if !ok || len(w.Shape) != 2 {
		return nil, fmt.Errorf("state dict has no [C,F] %s", WeightKey)
	}

	grid := 0
	for g := 1; 3*g*g <= w.Shape[1]; g++ {
		if 3*g*g == w.Shape[1] {
			grid = g
		}
	}
	if grid == 0 {
		return nil, fmt.Errorf("%s has %d features, not 3*g*g", WeightKey, w.Shape[1])
	}

	h, err := New(Config{NumClasses: w.Shape[0], InputSize: inputSize, Grid: grid})
	if err != nil {
		return nil, err
	}
	if err := h.LoadStateDict(state); err != nil {
		return nil, err
	}
	return h, nil
}

// NumClasses returns the number of output classes.
func (h *Head) NumClasses() int { return h.numClasses }

// InputSize returns the expected image edge.
func (h *Head) InputSize() int { return h.inputSize }

// Scale returns the logit temperature.
func (h *Head) Scale() float32 { return h.scale }

func (h *Head) imageLen() int { return 3 * h.inputSize * h.inputSize }

// pool reduces n CHW images to [n, F] features.
func (h *Head) pool(images []float32, n int) ([]float32, error) {
	if n <= 0 || len(images) != n*h.imageLen() {
		return nil, fmt.Errorf("expected %d images of %d values, got %d values", n, h.imageLen(), len(images))
	}

	k := h.inputSize / h.grid
	inv := 1 / float32(k*k)
	plane := h.inputSize * h.inputSize
	out := make([]float32, n*h.features)

	for i := 0; i < n; i++ {
		img := images[i*h.imageLen() : (i+1)*h.imageLen()]
		feat := out[i*h.features : (i+1)*h.features]
		for c := 0; c < 3; c++ {
			ch := img[c*plane : (c+1)*plane]
			for y := 0; y < h.inputSize; y++ {
				row := ch[y*h.inputSize : (y+1)*h.inputSize]
				base := c*h.grid*h.grid + (y/k)*h.grid
				for x, v := range row {
					feat[base+x/k] += v
				}
			}
		}
		for j := range feat {
			feat[j] *= inv
		}
	}
	return out, nil
}

func (h *Head) logits(feats []float32, n int) []float32 {
	w := h.params[WeightKey].Data
	out := make([]float32, n*h.numClasses)

	norms := make([]float32, h.numClasses)
	for j := range norms {
		for _, v := range w[j*h.features : (j+1)*h.features] {
			norms[j] += v * v
		}
	}

	for i := 0; i < n; i++ {
		x := feats[i*h.features : (i+1)*h.features]
		for j := 0; j < h.numClasses; j++ {
			c := w[j*h.features : (j+1)*h.features]
			var dot float32
			for f, v := range x {
				dot += v * c[f]
			}
			out[i*h.numClasses+j] = h.scale * (2*dot - norms[j])
		}
	}
	return out
}

// Forward returns logits [n, C].
func (h *Head) Forward(images []float32, n int) ([]float32, error) {
	feats, err := h.pool(images, n)
	if err != nil {
		return nil, err
	}
	return h.logits(feats, n), nil
}

// TrainBatch runs one optimizer step. With g = dL/dlogits,
//
//	dL/dc_j = sum_i g_ij * 2*scale * (x_i - c_j)
func (h *Head) TrainBatch(images []float32, labels []int32, n int, opt optimizer.Optimizer) ([]float32, error) {
	if len(labels) != n {
		return nil, fmt.Errorf("got %d labels for %d images", len(labels), n)
	}
	feats, err := h.pool(images, n)
	if err != nil {
		return nil, err
	}
	logits := h.logits(feats, n)

	g, err := h.loss.Backward(logits, labels, h.numClasses)
	if err != nil {
		return nil, err
	}

	w := h.params[WeightKey].Data
	grad := make([]float32, len(w))
	for i := 0; i < n; i++ {
		x := feats[i*h.features : (i+1)*h.features]
		for j := 0; j < h.numClasses; j++ {
			coef := g[i*h.numClasses+j] * 2 * h.scale
			if coef == 0 {
				continue
			}
			c := w[j*h.features : (j+1)*h.features]
			dst := grad[j*h.features : (j+1)*h.features]
			for f := range dst {
				dst[f] += coef * (x[f] - c[f])
			}
		}
	}

	if err := opt.Step(h.params, map[string][]float32{WeightKey: grad}); err != nil {
		return nil, fmt.Errorf("optimizer step failed: %w", err)
	}
	return logits, nil
}

// StateDict returns a copy of the parameters. The scale is saved alongside
// the weights so a reloaded head scores identically.
func (h *Head) StateDict() checkpoints.StateDict {
	state := h.params.Clone()
	state[ScaleKey] = checkpoints.Tensor{Shape: []int{1}, Data: []float32{h.scale}}
	return state
}

// LoadStateDict replaces the parameters after checking every shape.
func (h *Head) LoadStateDict(state checkpoints.StateDict) error {
	w, ok := state[WeightKey]
	if !ok {
		return fmt.Errorf("missing parameter %s", WeightKey)
	}
	want := []int{h.numClasses, h.features}
	if len(w.Shape) != 2 || w.Shape[0] != want[0] || w.Shape[1] != want[1] {
		return fmt.Errorf("%s has shape %v, model expects %v", WeightKey, w.Shape, want)
	}
	if len(w.Data) != want[0]*want[1] {
		return fmt.Errorf("%s has %d values for shape %v", WeightKey, len(w.Data), w.Shape)
	}

	scale := h.scale
	if s, ok := state[ScaleKey]; ok {
		if len(s.Data) != 1 || s.Data[0] <= 0 {
			return fmt.Errorf("invalid %s %v", ScaleKey, s.Data)
		}
		scale = s.Data[0]
	}

	h.params = checkpoints.StateDict{
		WeightKey: {Shape: want, Data: append([]float32(nil), w.Data...)},
	}
	h.scale = scale
	return nil
}

// ONNXHead describes the head for export. The Gemm bias carries the
// -scale*|c|^2 term.
func (h *Head) ONNXHead(classNames []string) checkpoints.ONNXHead {
	w := h.params[WeightKey]
	bias := make([]float32, h.numClasses)
	for j := range bias {
		var norm float32
		for _, v := range w.Data[j*h.features : (j+1)*h.features] {
			norm += v * v
		}
		bias[j] = -h.scale * norm
	}
	return checkpoints.ONNXHead{
		InputSize:  h.inputSize,
		PoolKernel: h.inputSize / h.grid,
		Weight:     checkpoints.Tensor{Shape: []int{h.numClasses, h.features}, Data: append([]float32(nil), w.Data...)},
		Bias:       bias,
		Alpha:      2 * h.scale,
		ClassNames: classNames,
	}
}
