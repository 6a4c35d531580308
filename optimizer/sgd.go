package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-hansik/checkpoints"
)

// SGD is stochastic gradient descent with optional momentum, Nesterov
// momentum and L2 weight decay. Momentum buffers are created lazily per
// parameter on its first step.
type SGD struct {
	// Hyperparameters
	lr          float64
	momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	weightDecay float64 // L2 regularization coefficient
	nesterov    bool    // Whether to use Nesterov momentum

	buffers   map[string]checkpoints.Tensor
	stepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns the training defaults: lr 0.01, momentum 0.9.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGD{
		lr:          config.LearningRate,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		nesterov:    config.Nesterov,
		buffers:     make(map[string]checkpoints.Tensor),
	}, nil
}

// Step applies one update:
//
//	g = grad + weightDecay*p
//	buf = momentum*buf + g        (buf = g on the first step)
//	p -= lr * (nesterov ? g + momentum*buf : buf)
func (s *SGD) Step(params checkpoints.StateDict, grads map[string][]float32) error {
	// Validate everything first so a bad gradient never leaves a partial update.
	for name, grad := range grads {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter %s", name)
		}
		if len(grad) != len(p.Data) {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", name, len(grad), len(p.Data))
		}
	}

	lr := float32(s.lr)
	mom := float32(s.momentum)
	wd := float32(s.weightDecay)

	for name, grad := range grads {
		p := params[name]

		var buf []float32
		if s.momentum > 0 {
			b, ok := s.buffers[name]
			fresh := !ok || len(b.Data) != len(p.Data)
			if fresh {
				b = checkpoints.Tensor{Shape: append([]int(nil), p.Shape...), Data: make([]float32, len(p.Data))}
				s.buffers[name] = b
			}
			buf = b.Data
			for i := range grad {
				g := grad[i] + wd*p.Data[i]
				if fresh {
					buf[i] = g
				} else {
					buf[i] = mom*buf[i] + g
				}
			}
		}

		for i := range p.Data {
			g := grad[i] + wd*p.Data[i]
			switch {
			case buf == nil:
				p.Data[i] -= lr * g
			case s.nesterov:
				p.Data[i] -= lr * (g + mom*buf[i])
			default:
				p.Data[i] -= lr * buf[i]
			}
		}
	}

	s.stepCount++
	return nil
}

// StepCount returns the number of completed steps.
func (s *SGD) StepCount() uint64 { return s.stepCount }

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate updates the learning rate, typically from a scheduler.
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// StateDict extracts optimizer state for checkpointing
func (s *SGD) StateDict() ([]byte, error) {
	names := make([]string, 0, len(s.buffers))
	for name := range s.buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	stateData := make([]StateTensor, 0, len(names))
	for _, name := range names {
		b := s.buffers[name]
		stateData = append(stateData, StateTensor{
			Name:      name,
			Shape:     b.Shape,
			Data:      b.Data,
			StateType: "momentum",
		})
	}

	return encodeState(&OptimizerState{
		Type: "SGD",
		Parameters: map[string]any{
			"learning_rate": s.lr,
			"momentum":      s.momentum,
			"weight_decay":  s.weightDecay,
			"nesterov":      s.nesterov,
			"step_count":    s.stepCount,
		},
		StateData: stateData,
	})
}

// ValidateStateDict checks a saved state without applying it.
func (s *SGD) ValidateStateDict(data []byte) error {
	_, _, err := parseSGDState(data)
	return err
}

// LoadStateDict restores optimizer state from checkpoint
func (s *SGD) LoadStateDict(data []byte) error {
	state, buffers, err := parseSGDState(data)
	if err != nil {
		return err
	}

	s.lr = extractFloat64Param(state.Parameters, "learning_rate", s.lr)
	s.momentum = extractFloat64Param(state.Parameters, "momentum", s.momentum)
	s.weightDecay = extractFloat64Param(state.Parameters, "weight_decay", s.weightDecay)
	s.nesterov = extractBoolParam(state.Parameters, "nesterov", s.nesterov)
	s.stepCount = extractUint64Param(state.Parameters, "step_count", s.stepCount)
	s.buffers = buffers

	return nil
}

func parseSGDState(data []byte) (*OptimizerState, map[string]checkpoints.Tensor, error) {
	state, err := decodeState(data)
	if err != nil {
		return nil, nil, err
	}
	if err := validateStateType("SGD", state); err != nil {
		return nil, nil, err
	}

	buffers := make(map[string]checkpoints.Tensor, len(state.StateData))
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			return nil, nil, fmt.Errorf("unexpected SGD state tensor %s of type %s", tensor.Name, tensor.StateType)
		}
		t := checkpoints.Tensor{Shape: tensor.Shape, Data: tensor.Data}
		if t.NumElements() != len(t.Data) {
			return nil, nil, fmt.Errorf("momentum buffer %s has shape %v but %d values", tensor.Name, t.Shape, len(t.Data))
		}
		buffers[tensor.Name] = t
	}
	return state, buffers, nil
}
