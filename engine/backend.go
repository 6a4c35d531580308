package engine

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/models/centroid"
	"github.com/tsawler/go-hansik/ortenv"
)

// Backend scores one preprocessed CHW image.
type Backend interface {
	Logits(image []float32) ([]float32, error)
	Close() error
}

// centroidBackend runs the in-process centroid head.
type centroidBackend struct {
	head *centroid.Head
}

func newCentroidBackend(state checkpoints.StateDict, imgSize int) (*centroidBackend, error) {
	head, err := centroid.FromStateDict(state, imgSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build centroid head: %w", err)
	}
	return &centroidBackend{head: head}, nil
}

func (b *centroidBackend) Logits(image []float32) ([]float32, error) {
	return b.head.Forward(image, 1)
}

func (b *centroidBackend) Close() error { return nil }

// onnxBackend runs an exported classifier through ONNX Runtime with
// preallocated single-image tensors.
type onnxBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	release      func()
}

func newONNXBackend(modelPath, libPath string, imgSize, numClasses int) (*onnxBackend, error) {
	release, err := ortenv.Acquire(libPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(imgSize), int64(imgSize)))
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numClasses)))
	if err != nil {
		inputTensor.Destroy()
		release()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{checkpoints.ONNXInputName}, []string{checkpoints.ONNXOutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		release()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		release:      release,
	}, nil
}

func (b *onnxBackend) Logits(image []float32) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	in := b.inputTensor.GetData()
	if len(image) != len(in) {
		return nil, fmt.Errorf("image has %d values, model expects %d", len(image), len(in))
	}
	copy(in, image)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append([]float32(nil), b.outputTensor.GetData()...), nil
}

func (b *onnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return nil
}
