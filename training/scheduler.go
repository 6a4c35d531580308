package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsawler/go-hansik/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Policies are pure functions of the epoch; EpochScheduler carries the state.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLambdaScheduler multiplies the base LR by Factors[i] while
// epoch < Milestones[i], and by the last factor afterwards.
type MultiStepLambdaScheduler struct {
	Milestones []int
	Factors    []float64 // len(Milestones)+1
}

// NewFoodLambdaScheduler returns the stock food schedule: full LR for 15
// epochs, a fifth until epoch 28, then a twenty-fifth.
func NewFoodLambdaScheduler() *MultiStepLambdaScheduler {
	return &MultiStepLambdaScheduler{
		Milestones: []int{15, 28},
		Factors:    []float64{1.0, 0.2, 0.04},
	}
}

func (s *MultiStepLambdaScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	for i, m := range s.Milestones {
		if epoch < m {
			return baseLR * s.Factors[i]
		}
	}
	return baseLR * s.Factors[len(s.Factors)-1]
}

func (s *MultiStepLambdaScheduler) GetName() string {
	return "LambdaLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// ParseSchedule maps a configured schedule name to a policy.
func ParseSchedule(name string, numEpochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "lambda":
		return NewFoodLambdaScheduler(), nil
	case "step":
		return NewStepLRScheduler(10, 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(numEpochs, 0), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown schedule %q", name)
	}
}

// EpochScheduler applies a policy to an optimizer once per epoch and keeps
// the counters that must survive a resume.
type EpochScheduler struct {
	policy    LRScheduler
	opt       optimizer.Optimizer
	baseLR    float64
	lastEpoch int
}

type schedulerState struct {
	Name      string  `msgpack:"name"`
	BaseLR    float64 `msgpack:"base_lr"`
	LastEpoch int     `msgpack:"last_epoch"`
}

// NewEpochScheduler takes the optimizer's current LR as the base and sets
// the epoch 0 rate.
func NewEpochScheduler(policy LRScheduler, opt optimizer.Optimizer) *EpochScheduler {
	s := &EpochScheduler{
		policy: policy,
		opt:    opt,
		baseLR: opt.LearningRate(),
	}
	opt.SetLearningRate(policy.GetLR(0, 0, s.baseLR))
	return s
}

// Step advances one epoch and updates the optimizer's learning rate.
func (s *EpochScheduler) Step() {
	s.lastEpoch++
	s.opt.SetLearningRate(s.policy.GetLR(s.lastEpoch, 0, s.baseLR))
}

// LastEpoch returns the number of completed steps.
func (s *EpochScheduler) LastEpoch() int { return s.lastEpoch }

// LR returns the rate for the current epoch.
func (s *EpochScheduler) LR() float64 {
	return s.policy.GetLR(s.lastEpoch, 0, s.baseLR)
}

// Name returns the policy name.
func (s *EpochScheduler) Name() string { return s.policy.GetName() }

func (s *EpochScheduler) StateDict() ([]byte, error) {
	data, err := msgpack.Marshal(schedulerState{
		Name:      s.policy.GetName(),
		BaseLR:    s.baseLR,
		LastEpoch: s.lastEpoch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheduler state: %w", err)
	}
	return data, nil
}

// ValidateStateDict checks a saved state against the configured policy
// without applying it.
func (s *EpochScheduler) ValidateStateDict(data []byte) error {
	_, err := s.parseState(data)
	return err
}

// LoadStateDict restores the counters. The optimizer's LR is restored with
// the optimizer's own state, not here.
func (s *EpochScheduler) LoadStateDict(data []byte) error {
	state, err := s.parseState(data)
	if err != nil {
		return err
	}
	s.baseLR = state.BaseLR
	s.lastEpoch = state.LastEpoch
	return nil
}

func (s *EpochScheduler) parseState(data []byte) (schedulerState, error) {
	var state schedulerState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to decode scheduler state: %w", err)
	}
	if state.Name != s.policy.GetName() {
		return state, fmt.Errorf("scheduler mismatch: checkpoint has %s, configured %s", state.Name, s.policy.GetName())
	}
	if state.LastEpoch < 0 || state.BaseLR <= 0 {
		return state, fmt.Errorf("invalid scheduler state %+v", state)
	}
	return state, nil
}
