// Package engine loads trained checkpoints and serves top-K predictions.
package engine

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/models/centroid"
	"github.com/tsawler/go-hansik/training"
	"github.com/tsawler/go-hansik/vision/preprocessing"
)

// Defaults applied when a checkpoint does not say otherwise.
const (
	DefaultNumClasses = 50
	DefaultImageSize  = 224
)

// Backend names.
const (
	BackendCentroid = "centroid"
	BackendONNX     = "onnx"
)

// Options tune LoadModel.
type Options struct {
	// Backend overrides config["model_type"] when set.
	Backend string
	// ONNXPath overrides config["onnx_path"].
	ONNXPath   string
	ORTLibrary string
	// DefaultNumClasses replaces DefaultNumClasses when positive.
	DefaultNumClasses int
	Logger            *zap.Logger
}

// Prediction is one ranked class.
type Prediction struct {
	ClassIndex  int     `json:"class_index"`
	ClassName   string  `json:"class_name"`
	Probability float64 `json:"probability"`
}

// Classifier answers top-K queries for single images.
type Classifier struct {
	backend    Backend
	processor  *preprocessing.ImageProcessor
	classNames []string
	numClasses int
	backendKey string
	log        *zap.Logger
}

// LoadModel builds a classifier from a checkpoint file.
func LoadModel(path string, opts Options) (*Classifier, error) {
	log := logging.OrNop(opts.Logger)

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}

	numClasses := resolveNumClasses(ckpt, opts.DefaultNumClasses)
	classNames := resolveClassNames(ckpt.ClassNames, numClasses)

	imgSize := DefaultImageSize
	if v, err := cast.ToIntE(ckpt.Config["img_size"]); err == nil && v > 0 {
		imgSize = v
	}

	kind := opts.Backend
	if kind == "" {
		kind = cast.ToString(ckpt.Config["model_type"])
	}
	if kind == "" {
		kind = BackendCentroid
	}

	var backend Backend
	switch strings.ToLower(kind) {
	case BackendCentroid:
		backend, err = newCentroidBackend(ckpt.ModelState, imgSize)
	case BackendONNX:
		onnxPath := opts.ONNXPath
		if onnxPath == "" {
			onnxPath = cast.ToString(ckpt.Config["onnx_path"])
		}
		if onnxPath == "" {
			return nil, fmt.Errorf("onnx backend selected but no model path configured")
		}
		backend, err = newONNXBackend(onnxPath, opts.ORTLibrary, imgSize, numClasses)
	default:
		return nil, fmt.Errorf("unknown model type %q", kind)
	}
	if err != nil {
		return nil, err
	}

	log.Info("model loaded",
		zap.String("path", path),
		zap.String("backend", kind),
		zap.Int("num_classes", numClasses),
		zap.Int("img_size", imgSize),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_acc", ckpt.BestValAcc))

	return &Classifier{
		backend:    backend,
		processor:  preprocessing.NewImageProcessor(imgSize),
		classNames: classNames,
		numClasses: numClasses,
		backendKey: strings.ToLower(kind),
		log:        log,
	}, nil
}

// resolveNumClasses prefers the classifier weight shape, then the stored
// configuration, then the default.
func resolveNumClasses(ckpt *checkpoints.Checkpoint, fallback int) int {
	if w, ok := ckpt.ModelState[centroid.WeightKey]; ok && len(w.Shape) == 2 && w.Shape[0] > 0 {
		return w.Shape[0]
	}
	if n, err := cast.ToIntE(ckpt.Config["num_classes"]); err == nil && n > 0 {
		return n
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultNumClasses
}

// resolveClassNames pads or trims stored names to n, naming gaps class_<i>.
func resolveClassNames(stored []string, n int) []string {
	names := make([]string, n)
	for i := range names {
		if i < len(stored) && stored[i] != "" {
			names[i] = stored[i]
		} else {
			names[i] = fmt.Sprintf("class_%d", i)
		}
	}
	return names
}

// NumClasses returns the number of output classes.
func (c *Classifier) NumClasses() int { return c.numClasses }

// ClassNames returns a copy of the index-ordered class names.
func (c *Classifier) ClassNames() []string {
	return append([]string(nil), c.classNames...)
}

// Backend returns the backend name.
func (c *Classifier) Backend() string { return c.backendKey }

// ImageSize returns the square input size.
func (c *Classifier) ImageSize() int { return c.processor.TargetSize() }

// Predict classifies the image at imagePath.
func (c *Classifier) Predict(imagePath string, topK int) ([]Prediction, error) {
	processed, err := c.processor.LoadAndPreprocess(imagePath)
	if err != nil {
		return nil, err
	}
	return c.rank(processed.Data, topK)
}

// PredictImage classifies an already decoded image.
func (c *Classifier) PredictImage(img image.Image, topK int) ([]Prediction, error) {
	return c.rank(c.processor.Preprocess(img).Data, topK)
}

// rank returns the topK classes by probability. topK is clamped to
// [1, NumClasses]; zero or less means all classes. Equal probabilities
// keep the lower class index first.
func (c *Classifier) rank(input []float32, topK int) ([]Prediction, error) {
	logits, err := c.backend.Logits(input)
	if err != nil {
		return nil, err
	}
	if len(logits) != c.numClasses {
		return nil, fmt.Errorf("model returned %d scores for %d classes", len(logits), c.numClasses)
	}

	probs := training.Softmax(logits, c.numClasses)
	order := make([]int, c.numClasses)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	if topK <= 0 || topK > c.numClasses {
		topK = c.numClasses
	}
	out := make([]Prediction, topK)
	for i := range out {
		idx := order[i]
		out[i] = Prediction{ClassIndex: idx, ClassName: c.classNames[idx], Probability: float64(probs[idx])}
	}
	return out, nil
}

// Close releases backend resources.
func (c *Classifier) Close() error {
	return c.backend.Close()
}
