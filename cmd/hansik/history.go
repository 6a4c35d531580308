package main

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-hansik/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List training runs, or the epochs of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func runHistory(_ *cobra.Command, args []string) error {
	store, err := history.Open(current.cfg.HistoryPath(), current.log)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if len(args) == 0 {
		runs, err := store.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			pterm.Info.Println("No runs recorded")
			return nil
		}
		rows := pterm.TableData{{"Run", "Epochs", "Best val acc", "Started", "Last update"}}
		for _, r := range runs {
			rows = append(rows, []string{
				r.RunID,
				fmt.Sprint(r.Epochs),
				fmt.Sprintf("%.2f%%", r.BestValAccuracy*100),
				r.StartedAt.Format("2006-01-02 15:04"),
				r.FinishedAt.Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	epochs, err := store.Epochs(ctx, args[0])
	if err != nil {
		return err
	}
	if len(epochs) == 0 {
		return fmt.Errorf("no epochs recorded for run %s", args[0])
	}
	rows := pterm.TableData{{"Epoch", "Train loss", "Train acc", "Val loss", "Val acc", "LR", "Best"}}
	for _, m := range epochs {
		best := ""
		if m.IsBest {
			best = "*"
		}
		rows = append(rows, []string{
			fmt.Sprint(m.Epoch + 1),
			fmt.Sprintf("%.4f", m.TrainLoss),
			fmt.Sprintf("%.2f%%", m.TrainAccuracy*100),
			fmt.Sprintf("%.4f", m.ValidLoss),
			fmt.Sprintf("%.2f%%", m.ValidAccuracy*100),
			fmt.Sprintf("%.6f", m.LearningRate),
			best,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
