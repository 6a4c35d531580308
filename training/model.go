package training

import (
	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/optimizer"
)

// Model is a classifier the trainer can fit, evaluate and checkpoint.
// Images are batches of CHW float32 tensors laid out back to back.
type Model interface {
	// Forward returns row-major logits [n, NumClasses()].
	Forward(images []float32, n int) ([]float32, error)

	// TrainBatch computes logits, applies one optimizer step and returns
	// the logits from before the update.
	TrainBatch(images []float32, labels []int32, n int, opt optimizer.Optimizer) ([]float32, error)

	NumClasses() int

	StateDict() checkpoints.StateDict
	// LoadStateDict must leave the model untouched when it returns an error.
	LoadStateDict(state checkpoints.StateDict) error
}
