// Package detection runs a YOLOv8 food detector exported to ONNX.
//
// The detector was trained on labels that frame the centre of each photo,
// so it is reliable for single dishes and unreliable when several dishes
// share a frame. An empty result is a miss, not an error.
package detection

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/ortenv"
	"github.com/tsawler/go-hansik/vision/preprocessing"
)

// ErrModelNotFound is returned when the detector model file is missing.
var ErrModelNotFound = errors.New("detector model not found")

// Tensor names used by ultralytics exports.
const (
	inputName  = "images"
	outputName = "output0"
)

// Config configures a Detector.
type Config struct {
	ModelPath string
	// NamesPath is an optional data.yaml. Without it the names embedded in
	// the exported model are used.
	NamesPath  string
	ORTLibrary string
	InputSize  int     // default 640
	Confidence float64 // default 0.25
	IoU        float64 // default 0.45
	Logger     *zap.Logger
}

// Detector wraps one ONNX Runtime session. Detect calls are serialized.
type Detector struct {
	mu           sync.Mutex
	cfg          Config
	names        []string
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	release      func()
	log          *zap.Logger
}

// anchorCount returns the number of YOLOv8 predictions for a square input:
// one per cell of the stride 8, 16 and 32 grids.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := inputSize / stride
		n += g * g
	}
	return n
}

// NewDetector loads the model and its label names.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.25
	}
	if cfg.IoU <= 0 {
		cfg.IoU = 0.45
	}
	log := logging.OrNop(cfg.Logger)

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
	}

	names, err := loadDetectorNames(cfg)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("detector has no label names")
	}

	release, err := ortenv.Acquire(cfg.ORTLibrary)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize)))
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(4+len(names)), int64(anchorCount(cfg.InputSize)))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		release()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		release()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	log.Info("detector loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("classes", len(names)),
		zap.Int("input_size", cfg.InputSize))

	return &Detector{
		cfg:          cfg,
		names:        names,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		release:      release,
		log:          log,
	}, nil
}

func loadDetectorNames(cfg Config) ([]string, error) {
	if cfg.NamesPath != "" {
		return LoadNames(cfg.NamesPath)
	}

	data, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read detector model: %w", err)
	}
	summary, err := checkpoints.ReadONNXSummary(data)
	if err != nil {
		return nil, err
	}
	meta, ok := summary.Metadata["names"]
	if !ok {
		return nil, fmt.Errorf("%s carries no names metadata; pass a data.yaml", cfg.ModelPath)
	}
	return ParseNamesMetadata(meta)
}

// Names returns the label names.
func (d *Detector) Names() []string {
	return append([]string(nil), d.names...)
}

// Detect runs the detector on the image at imagePath. A confidence of zero
// or less uses the configured threshold.
func (d *Detector) Detect(imagePath string, confidence float64) ([]DetectedObject, error) {
	img, err := preprocessing.LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return d.DetectImage(img, confidence)
}

// DetectImage runs the detector on a decoded image.
func (d *Detector) DetectImage(img image.Image, confidence float64) ([]DetectedObject, error) {
	if confidence <= 0 {
		confidence = d.cfg.Confidence
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fillInput(d.inputTensor.GetData(), img, d.cfg.InputSize)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	objects, err := Decode(d.outputTensor.GetData(), len(d.names), d.cfg.InputSize, confidence, d.cfg.IoU, d.names)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		d.log.Info("no food recognized", zap.Float64("confidence", confidence))
	}
	return objects, nil
}

// fillInput stretches img to size x size and writes RGB scaled to [0,1] in
// CHW order.
func fillInput(dst []float32, img image.Image, size int) {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(rgba, rgba.Bounds(), resized, resized.Bounds().Min, draw.Src)

	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := rgba.PixOffset(x, y)
			p := y*size + x
			dst[p] = float32(rgba.Pix[i]) / 255
			dst[plane+p] = float32(rgba.Pix[i+1]) / 255
			dst[2*plane+p] = float32(rgba.Pix[i+2]) / 255
		}
	}
}

// Close releases the session.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
		d.inputTensor = nil
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
		d.outputTensor = nil
	}
	if d.release != nil {
		d.release()
		d.release = nil
	}
	return nil
}
