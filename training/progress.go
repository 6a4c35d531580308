package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64

	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// TrainingSession draws the per-epoch progress bars and summaries.
type TrainingSession struct {
	out             io.Writer
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int

	trainProgress      *ProgressBar
	validationProgress *ProgressBar

	trainLoss          float64
	trainAccuracy      float64
	validationLoss     float64
	validationAccuracy float64
}

// NewTrainingSession creates a session printing to out.
func NewTrainingSession(out io.Writer, epochs, stepsPerEpoch, validationSteps int) *TrainingSession {
	if out == nil {
		out = io.Discard
	}
	return &TrainingSession{
		out:             out,
		epochs:          epochs,
		stepsPerEpoch:   stepsPerEpoch,
		validationSteps: validationSteps,
	}
}

// StartEpoch begins a new epoch. epoch is zero-based.
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch + 1
	description := fmt.Sprintf("Epoch %d/%d (Training)", ts.currentEpoch, ts.epochs)
	ts.trainProgress = NewProgressBar(ts.out, description, ts.stepsPerEpoch)
}

// UpdateTrainingProgress updates training progress
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss float64, accuracy float64) {
	ts.trainLoss = loss
	ts.trainAccuracy = accuracy
	ts.trainProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	ts.trainProgress.Finish()
}

// StartValidation begins the validation phase
func (ts *TrainingSession) StartValidation() {
	description := fmt.Sprintf("Epoch %d/%d (Validation)", ts.currentEpoch, ts.epochs)
	ts.validationProgress = NewProgressBar(ts.out, description, ts.validationSteps)
}

// UpdateValidationProgress updates validation progress
func (ts *TrainingSession) UpdateValidationProgress(step int, loss float64, accuracy float64) {
	ts.validationLoss = loss
	ts.validationAccuracy = accuracy
	ts.validationProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishValidationEpoch completes the validation phase of an epoch
func (ts *TrainingSession) FinishValidationEpoch() {
	if ts.validationProgress != nil {
		ts.validationProgress.Finish()
	}
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary(lr float64) {
	fmt.Fprintf(ts.out, "Epoch %d/%d Summary:\n", ts.currentEpoch, ts.epochs)
	fmt.Fprintf(ts.out, "  Training   - Loss: %.4f, Accuracy: %.2f%%\n", ts.trainLoss, ts.trainAccuracy*100)
	fmt.Fprintf(ts.out, "  Validation - Loss: %.4f, Accuracy: %.2f%%\n", ts.validationLoss, ts.validationAccuracy*100)
	fmt.Fprintf(ts.out, "  Learning rate: %.6f\n\n", lr)
}
