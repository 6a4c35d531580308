package training

import "time"

// Phase is the trainer's position in its state machine:
//
//	Initializing -> (ResumingFromCheckpoint) -> Epoch... -> Evaluating -> Done
type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseResumingFromCheckpoint
	PhaseEpoch
	PhaseEvaluating
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "Initializing"
	case PhaseResumingFromCheckpoint:
		return "ResumingFromCheckpoint"
	case PhaseEpoch:
		return "Epoch"
	case PhaseEvaluating:
		return "Evaluating"
	case PhaseDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// RunState is the mutable part of a training run.
// PatienceCounter is not checkpointed and restarts at zero on resume.
type RunState struct {
	CurrentEpoch    int
	BestValAccuracy float64
	PatienceCounter int
}

// EpochMetrics holds metrics for a single epoch. Accuracies are fractions.
type EpochMetrics struct {
	RunID         string
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	LearningRate  float64
	IsBest        bool
	Saved         bool
	EpochDuration time.Duration
	BatchCount    int
}

// Result summarizes a finished run.
type Result struct {
	RunID           string
	StartEpoch      int
	EpochsRun       int
	BestValAccuracy float64
	StoppedEarly    bool
	// EvaluatedBest is true when the test pass used the best checkpoint
	// rather than the in-memory weights.
	EvaluatedBest bool
	TestLoss      float64
	TestAccuracy  float64
	Confusion     *ConfusionMatrix // test partition
	History       []EpochMetrics
}
