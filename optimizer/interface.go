package optimizer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsawler/go-hansik/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// State is exchanged as an opaque blob so checkpoints never depend on the
// concrete optimizer type.
type Optimizer interface {
	// Step updates params in place from grads. Every gradient must match
	// the size of the parameter with the same name.
	Step(params checkpoints.StateDict, grads map[string][]float32) error

	// StepCount returns the current optimization step number
	StepCount() uint64

	LearningRate() float64
	SetLearningRate(lr float64)

	// StateDict serializes hyperparameters and per-parameter buffers.
	StateDict() ([]byte, error)
	// LoadStateDict restores what StateDict produced.
	LoadStateDict(data []byte) error
}

// OptimizerState is the serialized form of an optimizer.
type OptimizerState struct {
	Type       string         `msgpack:"type"`       // "SGD"
	Parameters map[string]any `msgpack:"parameters"` // Hyperparameters
	StateData  []StateTensor  `msgpack:"state_data"`
}

// StateTensor is one per-parameter buffer, e.g. a momentum buffer.
type StateTensor struct {
	Name      string    `msgpack:"name"`  // parameter name
	Shape     []int     `msgpack:"shape"` // parameter shape
	Data      []float32 `msgpack:"data"`
	StateType string    `msgpack:"state_type"` // "momentum"
}

func encodeState(state *OptimizerState) ([]byte, error) {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimizer state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*OptimizerState, error) {
	var state OptimizerState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	return &state, nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
