package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-hansik/detection"
	"github.com/tsawler/go-hansik/prompt"
)

var detectCmd = &cobra.Command{
	Use:   "detect [image...]",
	Short: "Locate dishes with the YOLO detector",
	Long: `Run the detector on the given images, or interactively until q or quit
is entered. The detector handles one dish per photo well and is unreliable
when several dishes share a frame.`,
	RunE: runDetect,
}

func loadDetector() (*detection.Detector, error) {
	cfg := current.cfg
	return detection.NewDetector(detection.Config{
		ModelPath:  cfg.Detector.ModelPath,
		NamesPath:  cfg.Detector.DataYAML,
		ORTLibrary: cfg.Inference.ORTLibrary,
		InputSize:  cfg.Detector.InputSize,
		Confidence: cfg.Detector.Confidence,
		IoU:        cfg.Detector.IoU,
		Logger:     current.log,
	})
}

func runDetect(cmd *cobra.Command, args []string) error {
	det, err := loadDetector()
	if err != nil {
		return err
	}
	defer det.Close()

	conf := current.cfg.Detector.Confidence
	if len(args) > 0 {
		for _, path := range args {
			if err := detectOne(det, path, conf); err != nil {
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
		if prompt.IsQuit(input, "q", "quit") {
			return nil
		}
		if input == "" {
			pterm.Warning.Println("Please enter an image path")
			continue
		}
		if err := detectOne(det, input, conf); err != nil {
			pterm.Error.Println(err)
		}
	}
}

func detectOne(det *detection.Detector, path string, conf float64) error {
	objects, err := det.Detect(path, conf)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		pterm.Info.Println("No food recognized")
		return nil
	}

	rows := pterm.TableData{{"Food", "Confidence", "Centre", "Size"}}
	for _, o := range objects {
		rows = append(rows, []string{
			o.Label,
			fmt.Sprintf("%.1f%%", o.Confidence*100),
			fmt.Sprintf("%.2f, %.2f", o.Box.X, o.Box.Y),
			fmt.Sprintf("%.2f x %.2f", o.Box.W, o.Box.H),
		})
	}
	pterm.DefaultSection.Println(path)
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
