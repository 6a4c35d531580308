package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/optimizer"
	"github.com/tsawler/go-hansik/prompt"
	"github.com/tsawler/go-hansik/vision/dataloader"
)

// Loader yields batches for one pass at a time.
type Loader interface {
	Reset()
	NextBatch(ctx context.Context) (*dataloader.Batch, error)
	NumBatches() int
	Len() int
}

// Scheduler adjusts the optimizer's learning rate once per epoch.
type Scheduler interface {
	Step()
	LR() float64
	StateDict() ([]byte, error)
	LoadStateDict(data []byte) error
}

// MetricsRecorder persists per-epoch metrics.
type MetricsRecorder interface {
	RecordEpoch(ctx context.Context, m EpochMetrics) error
}

// RecorderFunc adapts a function to MetricsRecorder.
type RecorderFunc func(ctx context.Context, m EpochMetrics) error

func (f RecorderFunc) RecordEpoch(ctx context.Context, m EpochMetrics) error { return f(ctx, m) }

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs           int
	SaveEveryNEpochs int
	Patience         int // Epochs without improvement before stopping; 0 disables
	// ResumeFrom forces a resume from this checkpoint. When empty the
	// checkpoint directory is searched and Confirm decides.
	ResumeFrom string
	Confirm    prompt.Confirmer // nil declines every resume
	ClassNames []string
	Snapshot   map[string]any // stored as the checkpoint config
	RunID      string         // generated when empty

	Output   io.Writer // progress bars; nil discards
	Logger   *zap.Logger
	Recorder MetricsRecorder
}

// Loaders groups the three partitions.
type Loaders struct {
	Train      Loader
	Validation Loader
	Test       Loader
}

// Trainer manages the training process
type Trainer struct {
	model     Model
	optimizer optimizer.Optimizer
	scheduler Scheduler
	store     *checkpoints.Store
	loaders   Loaders
	criterion *CrossEntropyLoss
	config    TrainingConfig
	log       *zap.Logger

	phase   atomic.Int32
	state   RunState
	metrics []EpochMetrics
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, opt optimizer.Optimizer, sched Scheduler, store *checkpoints.Store, loaders Loaders, config TrainingConfig) (*Trainer, error) {
	if model == nil || opt == nil || sched == nil || store == nil {
		return nil, errors.New("model, optimizer, scheduler and store are required")
	}
	if loaders.Train == nil || loaders.Validation == nil || loaders.Test == nil {
		return nil, errors.New("train, validation and test loaders are required")
	}
	if config.SaveEveryNEpochs <= 0 {
		config.SaveEveryNEpochs = 1
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	if config.Output == nil {
		config.Output = io.Discard
	}

	return &Trainer{
		model:     model,
		optimizer: opt,
		scheduler: sched,
		store:     store,
		loaders:   loaders,
		criterion: NewCrossEntropyLoss("mean"),
		config:    config,
		log:       logging.OrNop(config.Logger).With(zap.String("run_id", config.RunID)),
	}, nil
}

// Phase returns the current state machine phase. Safe to call from other
// goroutines.
func (t *Trainer) Phase() Phase { return Phase(t.phase.Load()) }

func (t *Trainer) setPhase(p Phase) {
	t.phase.Store(int32(p))
	t.log.Debug("phase", zap.Stringer("phase", p))
}

// State returns a copy of the run state.
func (t *Trainer) State() RunState { return t.state }

// RunID returns the identifier stored in every checkpoint of this run.
func (t *Trainer) RunID() string { return t.config.RunID }

// Train runs the complete training loop followed by a test pass.
// Cancelling ctx loses only the epoch in flight.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	t.setPhase(PhaseInitializing)

	startEpoch, bestValAcc, err := t.resume()
	if err != nil {
		return nil, err
	}
	t.state = RunState{CurrentEpoch: startEpoch, BestValAccuracy: bestValAcc}

	result := &Result{RunID: t.config.RunID, StartEpoch: startEpoch}
	session := NewTrainingSession(t.config.Output, t.config.Epochs, t.loaders.Train.NumBatches(), t.loaders.Validation.NumBatches())

	t.log.Info("starting training",
		zap.Int("start_epoch", startEpoch),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_samples", t.loaders.Train.Len()),
		zap.Int("val_samples", t.loaders.Validation.Len()),
		zap.Int("num_classes", t.model.NumClasses()))

	for epoch := startEpoch; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.setPhase(PhaseEpoch)
		t.state.CurrentEpoch = epoch
		epochStart := time.Now()
		lr := t.optimizer.LearningRate()

		session.StartEpoch(epoch)
		trainLoss, trainAcc, batches, err := t.trainEpoch(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		session.FinishTrainingEpoch()

		session.StartValidation()
		validLoss, validAcc, err := t.evaluate(ctx, t.loaders.Validation, session.UpdateValidationProgress, nil)
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}
		session.FinishValidationEpoch()

		t.scheduler.Step()

		isBest := validAcc > t.state.BestValAccuracy
		if isBest {
			t.state.BestValAccuracy = validAcc
			t.state.PatienceCounter = 0
		} else {
			t.state.PatienceCounter++
		}

		metrics := EpochMetrics{
			RunID:         t.config.RunID,
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValidLoss:     validLoss,
			ValidAccuracy: validAcc,
			LearningRate:  lr,
			IsBest:        isBest,
			BatchCount:    batches,
		}

		if (epoch+1)%t.config.SaveEveryNEpochs == 0 || isBest {
			if err := t.saveCheckpoint(ctx, epoch, isBest); err != nil {
				return nil, err
			}
			metrics.Saved = true
		}

		metrics.EpochDuration = time.Since(epochStart)
		t.metrics = append(t.metrics, metrics)
		result.EpochsRun++
		session.PrintEpochSummary(lr)
		t.logEpoch(metrics)
		t.record(ctx, metrics)

		if t.config.Patience > 0 && t.state.PatienceCounter >= t.config.Patience {
			t.log.Info("early stopping triggered",
				zap.Int("epoch", epoch+1),
				zap.Int("patience", t.config.Patience))
			result.StoppedEarly = true
			break
		}
	}

	t.setPhase(PhaseEvaluating)
	evaluatedBest, err := t.loadBest()
	if err != nil {
		return nil, err
	}
	confusion := NewConfusionMatrix(t.model.NumClasses())
	testLoss, testAcc, err := t.evaluate(ctx, t.loaders.Test, nil, confusion)
	if err != nil {
		return nil, fmt.Errorf("test evaluation failed: %w", err)
	}
	t.log.Info("test evaluation",
		zap.Float64("loss", testLoss),
		zap.Float64("accuracy", testAcc),
		zap.Float64("macro_f1", confusion.MacroF1()),
		zap.Bool("best_weights", evaluatedBest))

	result.BestValAccuracy = t.state.BestValAccuracy
	result.EvaluatedBest = evaluatedBest
	result.TestLoss = testLoss
	result.TestAccuracy = testAcc
	result.Confusion = confusion
	result.History = append([]EpochMetrics(nil), t.metrics...)

	t.setPhase(PhaseDone)
	return result, nil
}

// resume decides where the run starts. An explicit path must load; a
// discovered checkpoint is only used when the confirmer agrees.
func (t *Trainer) resume() (int, float64, error) {
	path := t.config.ResumeFrom
	if path == "" {
		found, ok, err := checkpoints.FindLatest(t.store.Dir())
		if err != nil {
			return 0, 0, fmt.Errorf("failed to search for checkpoints: %w", err)
		}
		if !ok {
			return 0, 0, nil
		}
		if !t.confirmResume(found) {
			t.log.Info("starting fresh training", zap.String("ignored_checkpoint", found))
			return 0, 0, nil
		}
		path = found
	}

	t.setPhase(PhaseResumingFromCheckpoint)
	startEpoch, bestValAcc, err := checkpoints.Resume(path, t.config.ClassNames, t.model, t.optimizer, t.scheduler)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	t.log.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Int("start_epoch", startEpoch),
		zap.Float64("best_val_acc", bestValAcc))
	return startEpoch, bestValAcc, nil
}

func (t *Trainer) confirmResume(path string) bool {
	if t.config.Confirm == nil {
		return false
	}
	ok, err := t.config.Confirm.Confirm(fmt.Sprintf("Found checkpoint %s. Resume training?", path))
	if err != nil {
		t.log.Warn("resume prompt failed, starting fresh", zap.Error(err))
		return false
	}
	return ok
}

// trainEpoch runs one training epoch
func (t *Trainer) trainEpoch(ctx context.Context, session *TrainingSession) (float64, float64, int, error) {
	var totalLoss float64
	var totalCorrect, totalSamples, batchCount int

	loader := t.loaders.Train
	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, err
		}
		batch, err := loader.NextBatch(ctx)
		if err != nil {
			return 0, 0, 0, err
		}
		if batch == nil {
			break
		}
		batchCount++
		if batch.Size == 0 {
			continue
		}

		logits, err := t.model.TrainBatch(batch.Images, batch.Labels, batch.Size, t.optimizer)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("train step failed: %w", err)
		}
		loss, err := t.criterion.Forward(logits, batch.Labels, t.model.NumClasses())
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %w", err)
		}

		totalLoss += loss * float64(batch.Size)
		totalCorrect += CountCorrect(logits, batch.Labels, t.model.NumClasses())
		totalSamples += batch.Size
		session.UpdateTrainingProgress(batchCount, totalLoss/float64(totalSamples), float64(totalCorrect)/float64(totalSamples))
	}

	if totalSamples == 0 {
		return 0, 0, batchCount, nil
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), batchCount, nil
}

// evaluate runs a forward-only pass and returns mean loss and accuracy.
// A non-nil cm also receives every prediction.
func (t *Trainer) evaluate(ctx context.Context, loader Loader, progress func(step int, loss, acc float64), cm *ConfusionMatrix) (float64, float64, error) {
	var totalLoss float64
	var totalCorrect, totalSamples, step int

	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := loader.NextBatch(ctx)
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}
		step++
		if batch.Size == 0 {
			continue
		}

		logits, err := t.model.Forward(batch.Images, batch.Size)
		if err != nil {
			return 0, 0, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := t.criterion.Forward(logits, batch.Labels, t.model.NumClasses())
		if err != nil {
			return 0, 0, fmt.Errorf("loss computation failed: %w", err)
		}

		if cm != nil {
			if err := cm.UpdateFromPredictions(logits, batch.Labels, t.model.NumClasses()); err != nil {
				return 0, 0, err
			}
		}

		totalLoss += loss * float64(batch.Size)
		totalCorrect += CountCorrect(logits, batch.Labels, t.model.NumClasses())
		totalSamples += batch.Size
		if progress != nil {
			progress(step, totalLoss/float64(totalSamples), float64(totalCorrect)/float64(totalSamples))
		}
	}

	if totalSamples == 0 {
		return 0, 0, nil
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), nil
}

func (t *Trainer) saveCheckpoint(ctx context.Context, epoch int, isBest bool) error {
	optState, err := t.optimizer.StateDict()
	if err != nil {
		return err
	}
	schedState, err := t.scheduler.StateDict()
	if err != nil {
		return err
	}

	snapshot := make(map[string]any, len(t.config.Snapshot)+2)
	for k, v := range t.config.Snapshot {
		snapshot[k] = v
	}
	snapshot["num_classes"] = t.model.NumClasses()
	snapshot["run_id"] = t.config.RunID

	path, err := t.store.Save(ctx, &checkpoints.Checkpoint{
		Epoch:          epoch,
		ModelState:     t.model.StateDict(),
		OptimizerState: optState,
		SchedulerState: schedState,
		BestValAcc:     t.state.BestValAccuracy,
		ClassNames:     t.config.ClassNames,
		Config:         snapshot,
	}, isBest)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for epoch %d: %w", epoch, err)
	}
	t.log.Info("checkpoint saved", zap.String("path", path), zap.Bool("best", isBest))
	return nil
}

// loadBest swaps in the best weights when a best checkpoint exists.
func (t *Trainer) loadBest() (bool, error) {
	c, err := checkpoints.Load(t.store.BestPath())
	if errors.Is(err, checkpoints.ErrNotFound) {
		t.log.Info("no best checkpoint, evaluating current weights")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.model.LoadStateDict(c.ModelState); err != nil {
		return false, fmt.Errorf("failed to load best weights: %w", err)
	}
	return true, nil
}

func (t *Trainer) logEpoch(m EpochMetrics) {
	t.log.Info("epoch complete",
		zap.Int("epoch", m.Epoch+1),
		zap.Int("epochs", t.config.Epochs),
		zap.Float64("train_loss", m.TrainLoss),
		zap.Float64("train_acc", m.TrainAccuracy),
		zap.Float64("val_loss", m.ValidLoss),
		zap.Float64("val_acc", m.ValidAccuracy),
		zap.Float64("lr", m.LearningRate),
		zap.Bool("best", m.IsBest),
		zap.Duration("duration", m.EpochDuration))
}

func (t *Trainer) record(ctx context.Context, m EpochMetrics) {
	if t.config.Recorder == nil {
		return
	}
	if err := t.config.Recorder.RecordEpoch(ctx, m); err != nil {
		t.log.Warn("failed to record epoch metrics", zap.Error(err))
	}
}

// GetMetrics returns the metrics of every epoch run so far.
func (t *Trainer) GetMetrics() []EpochMetrics {
	return append([]EpochMetrics(nil), t.metrics...)
}
