package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/engine"
	"github.com/tsawler/go-hansik/models/centroid"
)

var exportCmd = &cobra.Command{
	Use:   "export-onnx",
	Short: "Write a centroid checkpoint as an ONNX model",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringP("out", "o", "model.onnx", "Output path.")
}

func runExport(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("out")
	path, err := askCheckpoint(current.cfg)
	if err != nil {
		return err
	}

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	imgSize := engine.DefaultImageSize
	if v := cast.ToInt(ckpt.Config["img_size"]); v > 0 {
		imgSize = v
	}

	head, err := centroid.FromStateDict(ckpt.ModelState, imgSize)
	if err != nil {
		return err
	}
	if err := checkpoints.ExportONNX(out, head.ONNXHead(ckpt.ClassNames)); err != nil {
		return err
	}
	current.log.Info("onnx model written", zap.String("path", out), zap.Int("classes", head.NumClasses()))

	data, err := os.ReadFile(out)
	if err != nil {
		return err
	}
	summary, err := checkpoints.ReadONNXSummary(data)
	if err != nil {
		return err
	}
	return printONNXSummary(out, summary)
}

func printONNXSummary(path string, s *checkpoints.ONNXSummary) error {
	names := make([]string, 0, len(s.Initializers))
	for name := range s.Initializers {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := pterm.TableData{
		{"Producer", s.Producer},
		{"IR version", fmt.Sprint(s.IRVersion)},
		{"Opset", fmt.Sprint(s.Opset)},
		{"Inputs", strings.Join(s.Inputs, ", ")},
		{"Outputs", strings.Join(s.Outputs, ", ")},
		{"Operators", strings.Join(s.Operators, " -> ")},
	}
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(s.Initializers[name])})
	}
	pterm.DefaultSection.Println(path)
	return pterm.DefaultTable.WithData(rows).Render()
}
