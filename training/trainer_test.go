package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cast"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/optimizer"
	"github.com/tsawler/go-hansik/prompt"
	"github.com/tsawler/go-hansik/vision/dataloader"
)

// scriptedModel predicts class 0 for the first script[k] samples of a
// batch, where k is the number of training steps taken so far. All test
// labels are 0, so script[k]/10 is the accuracy after k steps.
type scriptedModel struct {
	params checkpoints.StateDict
	script []int
}

func newScriptedModel(script ...int) *scriptedModel {
	return &scriptedModel{
		params: checkpoints.StateDict{"w": {Shape: []int{1}, Data: []float32{0}}},
		script: script,
	}
}

func (m *scriptedModel) steps() int { return int(m.params["w"].Data[0]) }

func (m *scriptedModel) Forward(images []float32, n int) ([]float32, error) {
	k := m.steps()
	if k >= len(m.script) {
		k = len(m.script) - 1
	}
	logits := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		if i < m.script[k] {
			logits[2*i] = 1
		} else {
			logits[2*i+1] = 1
		}
	}
	return logits, nil
}

// TrainBatch moves w up by one with an SGD step of lr 1.
func (m *scriptedModel) TrainBatch(images []float32, labels []int32, n int, opt optimizer.Optimizer) ([]float32, error) {
	logits, _ := m.Forward(images, n)
	return logits, opt.Step(m.params, map[string][]float32{"w": {-1}})
}

func (m *scriptedModel) NumClasses() int { return 2 }

func (m *scriptedModel) StateDict() checkpoints.StateDict { return m.params.Clone() }

func (m *scriptedModel) LoadStateDict(state checkpoints.StateDict) error {
	w, ok := state["w"]
	if !ok || len(w.Data) != 1 {
		return errors.New("bad state")
	}
	m.params = state.Clone()
	return nil
}

// singleBatchLoader serves one batch of n zero-labelled samples per pass.
type singleBatchLoader struct {
	n      int
	served bool
}

func (l *singleBatchLoader) Reset()          { l.served = false }
func (l *singleBatchLoader) NumBatches() int { return 1 }
func (l *singleBatchLoader) Len() int        { return l.n }

func (l *singleBatchLoader) NextBatch(ctx context.Context) (*dataloader.Batch, error) {
	if l.served {
		return nil, nil
	}
	l.served = true
	return &dataloader.Batch{Images: make([]float32, l.n), Labels: make([]int32, l.n), Size: l.n}, nil
}

type harness struct {
	model *scriptedModel
	opt   *optimizer.SGD
	sched *EpochScheduler
	store *checkpoints.Store
}

func newHarness(t *testing.T, dir string, script ...int) *harness {
	t.Helper()
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	store, err := checkpoints.NewStore(checkpoints.StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return &harness{
		model: newScriptedModel(script...),
		opt:   opt,
		sched: NewEpochScheduler(&NoOpScheduler{}, opt),
		store: store,
	}
}

func (h *harness) trainer(t *testing.T, config TrainingConfig) *Trainer {
	t.Helper()
	loaders := Loaders{
		Train:      &singleBatchLoader{n: 10},
		Validation: &singleBatchLoader{n: 10},
		Test:       &singleBatchLoader{n: 10},
	}
	tr, err := NewTrainer(h.model, h.opt, h.sched, h.store, loaders, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return tr
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestTrainerFreshRun(t *testing.T) {
	dir := t.TempDir()
	// Validation accuracy after epochs 0..3: 0.5, 0.3, 0.3, 0.6
	h := newHarness(t, dir, 0, 5, 3, 3, 6)

	var recorded []EpochMetrics
	tr := h.trainer(t, TrainingConfig{
		Epochs:           4,
		SaveEveryNEpochs: 2,
		Patience:         10,
		ClassNames:       []string{"bulgogi", "tteokbokki"},
		Snapshot:         map[string]any{"img_size": 224},
		Recorder: RecorderFunc(func(_ context.Context, m EpochMetrics) error {
			recorded = append(recorded, m)
			return nil
		}),
	})

	if tr.Phase() != PhaseInitializing {
		t.Errorf("Expected Initializing before Train, got %s", tr.Phase())
	}

	result, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if tr.Phase() != PhaseDone {
		t.Errorf("Expected Done, got %s", tr.Phase())
	}
	if result.StartEpoch != 0 || result.EpochsRun != 4 || result.StoppedEarly {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.BestValAccuracy != 0.6 {
		t.Errorf("Expected best accuracy 0.6, got %v", result.BestValAccuracy)
	}

	// Saved on best (epochs 0 and 3) and on cadence (epochs 1 and 3).
	for epoch, want := range []bool{true, true, false, true} {
		if got := exists(h.store.EpochPath(epoch)); got != want {
			t.Errorf("Epoch %d archive exists=%v, expected %v", epoch, got, want)
		}
	}

	best, err := checkpoints.Load(h.store.BestPath())
	if err != nil {
		t.Fatalf("Loading best failed: %v", err)
	}
	if best.Epoch != 3 || best.BestValAcc != 0.6 {
		t.Errorf("Best checkpoint has epoch %d acc %v", best.Epoch, best.BestValAcc)
	}
	if cast.ToInt(best.Config["num_classes"]) != 2 || cast.ToString(best.Config["run_id"]) != tr.RunID() {
		t.Errorf("Unexpected config snapshot %v", best.Config)
	}
	if cast.ToInt(best.Config["img_size"]) != 224 {
		t.Errorf("Snapshot values not carried: %v", best.Config)
	}
	if len(best.ClassNames) != 2 || best.ClassNames[1] != "tteokbokki" {
		t.Errorf("Unexpected class names %v", best.ClassNames)
	}

	if !result.EvaluatedBest || result.TestAccuracy != 0.6 {
		t.Errorf("Expected test pass on best weights, got best=%v acc=%v", result.EvaluatedBest, result.TestAccuracy)
	}
	if cm := result.Confusion; cm == nil || cm.TotalSamples != 10 || cm.Matrix[0][0] != 6 || cm.Matrix[0][1] != 4 {
		t.Errorf("Unexpected test confusion matrix: %+v", result.Confusion)
	}

	if len(recorded) != 4 || !recorded[0].IsBest || recorded[1].IsBest || recorded[2].Saved {
		t.Errorf("Unexpected recorded metrics: %+v", recorded)
	}
	if recorded[0].RunID != tr.RunID() || recorded[0].LearningRate != 1 {
		t.Errorf("Unexpected metric fields: %+v", recorded[0])
	}
}

func TestTrainerEarlyStopping(t *testing.T) {
	// 0.5, then an equal 0.5 and a worse 0.4: two epochs without strict improvement.
	h := newHarness(t, t.TempDir(), 0, 5, 5, 4, 9)
	tr := h.trainer(t, TrainingConfig{Epochs: 10, Patience: 2})

	result, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !result.StoppedEarly || result.EpochsRun != 3 {
		t.Errorf("Expected early stop after 3 epochs, got %+v", result)
	}
	if tr.State().PatienceCounter != 2 {
		t.Errorf("Expected patience counter 2, got %d", tr.State().PatienceCounter)
	}
	if result.BestValAccuracy != 0.5 {
		t.Errorf("Expected best 0.5, got %v", result.BestValAccuracy)
	}
}

func TestTrainerResume(t *testing.T) {
	dir := t.TempDir()
	script := []int{0, 1, 2, 3, 4, 5}

	first := newHarness(t, dir, script...)
	if _, err := first.trainer(t, TrainingConfig{Epochs: 2}).Train(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	t.Run("ExplicitPath", func(t *testing.T) {
		h := newHarness(t, dir, script...)
		tr := h.trainer(t, TrainingConfig{Epochs: 4, ResumeFrom: first.store.LatestPath()})

		result, err := tr.Train(context.Background())
		if err != nil {
			t.Fatalf("Resumed run failed: %v", err)
		}
		if result.StartEpoch != 2 || result.EpochsRun != 2 {
			t.Errorf("Expected epochs 2..3, got %+v", result)
		}
		if result.History[0].Epoch != 2 {
			t.Errorf("First resumed epoch is %d", result.History[0].Epoch)
		}
		if h.opt.StepCount() != 4 || h.sched.LastEpoch() != 4 {
			t.Errorf("Optimizer/scheduler not restored: steps=%d sched=%d", h.opt.StepCount(), h.sched.LastEpoch())
		}
	})

	t.Run("MissingExplicitPath", func(t *testing.T) {
		h := newHarness(t, dir, script...)
		tr := h.trainer(t, TrainingConfig{Epochs: 4, ResumeFrom: filepath.Join(dir, "nope.ckpt")})
		_, err := tr.Train(context.Background())
		if !errors.Is(err, checkpoints.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DiscoveredAndDeclined", func(t *testing.T) {
		for name, confirm := range map[string]prompt.Confirmer{"Declined": prompt.Always(false), "NoConfirmer": nil} {
			h := newHarness(t, dir, script...)
			tr := h.trainer(t, TrainingConfig{Epochs: 1, Confirm: confirm})
			result, err := tr.Train(context.Background())
			if err != nil {
				t.Fatalf("%s: Train failed: %v", name, err)
			}
			if result.StartEpoch != 0 {
				t.Errorf("%s: expected fresh start, got epoch %d", name, result.StartEpoch)
			}
		}
	})

	t.Run("DiscoveredAndAccepted", func(t *testing.T) {
		h := newHarness(t, dir, script...)
		tr := h.trainer(t, TrainingConfig{Epochs: 10, Confirm: prompt.Always(true)})
		result, err := tr.Train(context.Background())
		if err != nil {
			t.Fatalf("Train failed: %v", err)
		}
		if result.StartEpoch == 0 {
			t.Error("Expected the discovered checkpoint to be resumed")
		}
	})
}

func TestTrainerCorruptCheckpointLeavesModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, checkpoints.LatestFile), []byte("not a checkpoint"), 0644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, dir, 0, 1)
	tr := h.trainer(t, TrainingConfig{Epochs: 1, Confirm: prompt.Always(true)})
	_, err := tr.Train(context.Background())
	if !errors.Is(err, checkpoints.ErrCorruptCheckpoint) {
		t.Errorf("Expected ErrCorruptCheckpoint, got %v", err)
	}
	if h.model.steps() != 0 || h.opt.StepCount() != 0 {
		t.Error("Model or optimizer changed by a failed resume")
	}
}

func TestTrainerResumeRejectsChangedSetup(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir, 0, 1, 2)
	if _, err := first.trainer(t, TrainingConfig{Epochs: 2, ClassNames: []string{"bibimbap", "kimchi"}}).Train(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	t.Run("ReorderedClassNames", func(t *testing.T) {
		h := newHarness(t, dir, 0, 1, 2)
		tr := h.trainer(t, TrainingConfig{
			Epochs:     4,
			ResumeFrom: first.store.LatestPath(),
			ClassNames: []string{"kimchi", "bibimbap"},
		})
		_, err := tr.Train(context.Background())
		if !errors.Is(err, checkpoints.ErrClassMismatch) {
			t.Fatalf("Expected ErrClassMismatch, got %v", err)
		}
		if h.model.steps() != 0 || h.opt.StepCount() != 0 {
			t.Error("Model or optimizer changed by a rejected resume")
		}

		latest, err := checkpoints.Load(first.store.LatestPath())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if latest.ClassNames[0] != "bibimbap" || latest.Epoch != 1 {
			t.Errorf("Latest checkpoint rewritten: epoch=%d names=%v", latest.Epoch, latest.ClassNames)
		}
	})

	t.Run("ChangedSchedule", func(t *testing.T) {
		h := newHarness(t, dir, 0, 1, 2)
		h.sched = NewEpochScheduler(NewFoodLambdaScheduler(), h.opt)
		tr := h.trainer(t, TrainingConfig{
			Epochs:     4,
			ResumeFrom: first.store.LatestPath(),
			ClassNames: []string{"bibimbap", "kimchi"},
		})
		_, err := tr.Train(context.Background())
		if err == nil {
			t.Fatal("Expected a scheduler mismatch")
		}
		if h.model.steps() != 0 || h.opt.StepCount() != 0 {
			t.Error("Model or optimizer changed before the scheduler was checked")
		}
	})
}

func TestTrainerWithoutBestCheckpoint(t *testing.T) {
	h := newHarness(t, t.TempDir(), 0, 0, 0)
	tr := h.trainer(t, TrainingConfig{Epochs: 2})

	result, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if exists(h.store.BestPath()) {
		t.Error("No epoch improved, best should not exist")
	}
	if !exists(h.store.LatestPath()) {
		t.Error("Cadence saves should still write latest")
	}
	if result.EvaluatedBest {
		t.Error("Expected evaluation of in-memory weights")
	}
}

func TestTrainerCancelled(t *testing.T) {
	h := newHarness(t, t.TempDir(), 0, 1)
	tr := h.trainer(t, TrainingConfig{Epochs: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Train(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if exists(h.store.LatestPath()) {
		t.Error("Cancelled run should not save")
	}
}

func TestTrainerRecorderErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, t.TempDir(), 0, 1)
	tr := h.trainer(t, TrainingConfig{
		Epochs: 1,
		Recorder: RecorderFunc(func(context.Context, EpochMetrics) error {
			return errors.New("disk full")
		}),
	})
	if _, err := tr.Train(context.Background()); err != nil {
		t.Errorf("Recorder failure should not fail training: %v", err)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	h := newHarness(t, t.TempDir(), 0)
	if _, err := NewTrainer(nil, h.opt, h.sched, h.store, Loaders{}, TrainingConfig{}); err == nil {
		t.Error("Expected error for missing model")
	}
	if _, err := NewTrainer(h.model, h.opt, h.sched, h.store, Loaders{Train: &singleBatchLoader{}}, TrainingConfig{}); err == nil {
		t.Error("Expected error for missing loaders")
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseResumingFromCheckpoint.String() != "ResumingFromCheckpoint" || Phase(42).String() != "Unknown" {
		t.Error("Unexpected phase names")
	}
}
