package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-hansik/engine"
	"github.com/tsawler/go-hansik/prompt"
)

var predictCmd = &cobra.Command{
	Use:   "predict [image...]",
	Short: "Classify images with a trained checkpoint",
	Long: `Classify the given images. Without arguments an interactive loop asks
for image paths until q or exit is entered.`,
	RunE: runPredict,
}

func loadClassifier() (*engine.Classifier, error) {
	cfg := current.cfg
	path, err := askCheckpoint(cfg)
	if err != nil {
		return nil, err
	}

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Loading model...")
	clf, err := engine.LoadModel(path, engine.Options{
		Backend:           backendOverride(),
		ONNXPath:          cfg.Inference.ONNXPath,
		ORTLibrary:        cfg.Inference.ORTLibrary,
		DefaultNumClasses: cfg.Inference.DefaultNumClasses,
		Logger:            current.log,
	})
	if spinner != nil {
		_ = spinner.Stop()
	}
	return clf, err
}

// backendOverride selects the ONNX backend when an exported model is
// configured and leaves the choice to the checkpoint otherwise.
func backendOverride() string {
	if current.cfg.Inference.ONNXPath != "" {
		return engine.BackendONNX
	}
	return ""
}

func runPredict(cmd *cobra.Command, args []string) error {
	clf, err := loadClassifier()
	if err != nil {
		return err
	}
	defer clf.Close()

	pterm.Info.Printfln("Model ready: %d classes, %s backend", clf.NumClasses(), clf.Backend())
	topK := current.cfg.Inference.TopK

	if len(args) > 0 {
		for _, path := range args {
			if err := predictOne(clf, path, topK); err != nil {
				pterm.Error.Printfln("%s: %v", path, err)
			}
		}
		return nil
	}

	lines := prompt.NewLines(cmd.InOrStdin(), cmd.OutOrStdout())
	for {
		input, err := lines.Ask("\nImage path (q to quit): ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if prompt.IsQuit(input, "q", "exit") {
			return nil
		}
		if input == "" {
			continue
		}
		if _, err := os.Stat(input); err != nil {
			pterm.Warning.Printfln("File not found: %s", input)
			continue
		}
		if err := predictOne(clf, input, topK); err != nil {
			pterm.Error.Println(err)
		}
	}
}

func predictOne(clf *engine.Classifier, path string, topK int) error {
	preds, err := clf.Predict(path, topK)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		return fmt.Errorf("no predictions")
	}

	bars := make(pterm.Bars, 0, len(preds))
	for _, p := range preds {
		bars = append(bars, pterm.Bar{Label: p.ClassName, Value: int(p.Probability*100 + 0.5)})
	}
	pterm.DefaultSection.Println(path)
	if err := pterm.DefaultBarChart.WithHorizontal().WithShowValue().WithBars(bars).Render(); err != nil {
		return err
	}
	pterm.Success.Printfln("Final prediction: %s (%.2f%%)", preds[0].ClassName, preds[0].Probability*100)
	return nil
}
