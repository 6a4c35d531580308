package main

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/config"
	"github.com/tsawler/go-hansik/engine"
	"github.com/tsawler/go-hansik/history"
	"github.com/tsawler/go-hansik/models/centroid"
	"github.com/tsawler/go-hansik/optimizer"
	"github.com/tsawler/go-hansik/training"
	"github.com/tsawler/go-hansik/vision/dataloader"
	"github.com/tsawler/go-hansik/vision/dataset"
	"github.com/tsawler/go-hansik/vision/preprocessing"
)

// Evaluation tensors are cached; 512 MiB holds a few thousand 224px images.
const evalCacheBytes = 512 << 20

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the classifier on a partitioned dataset",
	RunE:  runTrain,
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg := current.cfg
	log := current.log

	if cfg.Train.ModelType != engine.BackendCentroid {
		return fmt.Errorf("model type %q cannot be trained; export a centroid checkpoint to ONNX instead", cfg.Train.ModelType)
	}

	trainSet, err := dataset.NewImageFolderDataset(cfg.Data.TrainDir(), nil)
	if err != nil {
		return err
	}
	classNames := trainSet.ClassNames()
	valSet, err := dataset.NewImageFolderDataset(cfg.Data.ValDir(), classNames)
	if err != nil {
		return err
	}
	testSet, err := dataset.NewImageFolderDataset(cfg.Data.TestDir(), classNames)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%d classes: %d train, %d validation, %d test images",
		len(classNames), trainSet.Len(), valSet.Len(), testSet.Len())

	loaders := training.Loaders{
		Train: dataloader.NewDataLoader(trainSet, dataloader.Config{
			BatchSize:    cfg.Train.BatchSize,
			Shuffle:      true,
			ImageSize:    cfg.Train.ImgSize,
			NumWorkers:   cfg.Train.Workers,
			Augment:      cfg.Train.Augment,
			Augmentation: preprocessing.DefaultAugmentation(),
			Seed:         cfg.Train.Seed,
			Logger:       log,
		}),
		Validation: evalLoader(valSet, cfg),
		Test:       evalLoader(testSet, cfg),
	}

	model, err := centroid.New(centroid.Config{NumClasses: len(classNames), InputSize: cfg.Train.ImgSize})
	if err != nil {
		return err
	}
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: cfg.Train.LearningRate,
		Momentum:     cfg.Train.Momentum,
	})
	if err != nil {
		return err
	}
	policy, err := training.ParseSchedule(cfg.Train.Schedule, cfg.Train.NumEpochs)
	if err != nil {
		return err
	}
	sched := training.NewEpochScheduler(policy, opt)

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openCheckpointStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	var recorder training.MetricsRecorder
	if cfg.History.Enabled {
		hist, err := history.Open(cfg.HistoryPath(), log)
		if err != nil {
			return err
		}
		defer hist.Close()
		recorder = hist
	}

	trainer, err := training.NewTrainer(model, opt, sched, store, loaders, training.TrainingConfig{
		Epochs:           cfg.Train.NumEpochs,
		SaveEveryNEpochs: cfg.Checkpoint.SaveEveryNEpochs,
		Patience:         cfg.Train.Patience,
		ResumeFrom:       cfg.Checkpoint.ResumeFrom,
		Confirm:          confirmer(cmd, "resume"),
		ClassNames:       classNames,
		Snapshot:         cfg.Snapshot(),
		Output:           cmd.OutOrStdout(),
		Logger:           log,
		Recorder:         recorder,
	})
	if err != nil {
		return err
	}

	result, err := trainer.Train(ctx)
	if err != nil {
		return err
	}
	return printTrainResult(result, store, classNames)
}

func evalLoader(ds dataloader.Dataset, cfg config.Config) *dataloader.DataLoader {
	return dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  cfg.Train.BatchSize,
		ImageSize:  cfg.Train.ImgSize,
		NumWorkers: cfg.Train.Workers,
		CacheBytes: evalCacheBytes,
		Logger:     current.log,
	})
}

func openCheckpointStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*checkpoints.Store, error) {
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return nil, err
	}

	storeCfg := checkpoints.StoreConfig{
		Dir:            cfg.CheckpointDir(),
		Format:         format,
		MaxCheckpoints: cfg.Checkpoint.MaxCheckpoints,
		Logger:         log,
	}
	if cfg.Mirror.Enabled {
		mirror, err := checkpoints.NewS3Mirror(ctx, checkpoints.S3MirrorConfig{
			Endpoint:        cfg.Mirror.Endpoint,
			Region:          cfg.Mirror.Region,
			Bucket:          cfg.Mirror.Bucket,
			Prefix:          cfg.Mirror.Prefix,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, err
		}
		storeCfg.Mirror = mirror
	}
	return checkpoints.NewStore(storeCfg)
}

func printTrainResult(r *training.Result, store *checkpoints.Store, classNames []string) error {
	pterm.DefaultSection.Println("Training complete")
	source := "final weights"
	if r.EvaluatedBest {
		source = store.BestPath()
	}
	rows := pterm.TableData{
		{"Run", r.RunID},
		{"Epochs run", fmt.Sprintf("%d (from epoch %d)", r.EpochsRun, r.StartEpoch+1)},
		{"Stopped early", fmt.Sprint(r.StoppedEarly)},
		{"Best validation accuracy", fmt.Sprintf("%.2f%%", r.BestValAccuracy*100)},
		{"Test accuracy", fmt.Sprintf("%.2f%%", r.TestAccuracy*100)},
		{"Test loss", fmt.Sprintf("%.4f", r.TestLoss)},
		{"Evaluated", source},
	}
	if r.Confusion != nil {
		rows = append(rows, []string{"Test macro F1", fmt.Sprintf("%.4f", r.Confusion.MacroF1())})
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}
	if r.Confusion == nil {
		return nil
	}

	worst := pterm.TableData{{"Weakest classes", "Recall", "Test images"}}
	for _, s := range r.Confusion.WorstClasses(5) {
		worst = append(worst, []string{
			classNames[s.Class],
			fmt.Sprintf("%.2f%%", s.Value*100),
			fmt.Sprint(r.Confusion.Support(s.Class)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(worst).Render()
}
