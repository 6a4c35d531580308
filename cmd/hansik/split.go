package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/vision/dataset"
)

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Partition a raw corpus into train, validation and test directories",
	RunE:  runSplit,
}

func runSplit(cmd *cobra.Command, _ []string) error {
	cfg := current.cfg

	source, err := askPath(cfg.Split.SourceDir, "Raw corpus directory")
	if err != nil {
		return err
	}
	target, err := askPath(cfg.Split.TargetDir, "Output directory")
	if err != nil {
		return err
	}

	var bar *pterm.ProgressbarPrinter
	splitter, err := dataset.NewSplitter(dataset.SplitterConfig{
		TargetDir: target,
		Ratios: dataset.Ratios{
			Train:      cfg.Split.TrainRatio,
			Validation: cfg.Split.ValRatio,
			Test:       cfg.Split.TestRatio,
		},
		Seed:    cfg.Split.Seed,
		Confirm: confirmer(cmd, ""),
		OnClass: func(done, total int, class dataset.FoodClass, _ dataset.SplitCounts) {
			if bar == nil {
				bar, _ = pterm.DefaultProgressbar.WithTotal(total).WithTitle("Splitting").Start()
			}
			bar.UpdateTitle(class.Name)
			bar.Increment()
		},
		Logger: current.log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := splitter.Process(ctx, source)
	if bar != nil {
		_, _ = bar.Stop()
	}
	if errors.Is(err, dataset.ErrCancelled) {
		pterm.Info.Println("Split cancelled; target left untouched")
		return nil
	}
	if err != nil {
		return err
	}

	current.log.Debug("split report", zap.Int("classes", len(report.Classes)))
	return printSplitReport(report)
}

func printSplitReport(report *dataset.SplitReport) error {
	rows := pterm.TableData{{"Split", "Images", "Class dirs"}}
	for _, split := range []struct {
		name  string
		count int
	}{
		{dataset.SplitTrain, report.Totals.Train},
		{dataset.SplitValidation, report.Totals.Validation},
		{dataset.SplitTest, report.Totals.Test},
	} {
		rows = append(rows, []string{split.name, fmt.Sprint(split.count), fmt.Sprint(report.ClassDirs[split.name])})
	}
	rows = append(rows, []string{"total", fmt.Sprint(report.Totals.Total()), ""})

	var empty []string
	for _, c := range report.Classes {
		if c.Total() == 0 {
			empty = append(empty, c.Name)
		}
	}
	sort.Strings(empty)

	pterm.DefaultSection.Println("Split complete")
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if len(empty) > 0 {
		pterm.Warning.Printfln("%d classes had no valid images: %v", len(empty), empty)
	}
	return nil
}
