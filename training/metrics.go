package training

import (
	"fmt"
	"sort"
)

// ConfusionMatrix accumulates [true_class][predicted_class] counts over an
// evaluation pass.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix for numClasses classes.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds one batch of row-major logits. Labels outside
// the class range are skipped.
func (cm *ConfusionMatrix) UpdateFromPredictions(logits []float32, labels []int32, numClasses int) error {
	if numClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}
	if len(logits) != len(labels)*numClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(labels)*numClasses, len(logits))
	}

	for i, label := range labels {
		trueClass := int(label)
		if trueClass < 0 || trueClass >= cm.NumClasses {
			continue
		}
		predClass := Argmax(logits[i*numClasses : (i+1)*numClasses])
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Support returns the number of samples of class c.
func (cm *ConfusionMatrix) Support(c int) int {
	n := 0
	for _, v := range cm.Matrix[c] {
		n += v
	}
	return n
}

// Recall returns the per-class recall (per-class accuracy). Classes without
// samples report 0.
func (cm *ConfusionMatrix) Recall() []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		if n := cm.Support(c); n > 0 {
			out[c] = float64(cm.Matrix[c][c]) / float64(n)
		}
	}
	return out
}

// Precision returns the per-class precision. Classes never predicted
// report 0.
func (cm *ConfusionMatrix) Precision() []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		predicted := 0
		for t := 0; t < cm.NumClasses; t++ {
			predicted += cm.Matrix[t][c]
		}
		if predicted > 0 {
			out[c] = float64(cm.Matrix[c][c]) / float64(predicted)
		}
	}
	return out
}

// MacroF1 is the harmonic mean of macro precision and macro recall, each
// averaged over the classes that have samples.
func (cm *ConfusionMatrix) MacroF1() float64 {
	precision, recall := cm.Precision(), cm.Recall()
	var p, r float64
	present := 0
	for c := 0; c < cm.NumClasses; c++ {
		if cm.Support(c) == 0 {
			continue
		}
		p += precision[c]
		r += recall[c]
		present++
	}
	if present == 0 {
		return 0
	}
	p /= float64(present)
	r /= float64(present)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// ClassScore pairs a class index with a metric value.
type ClassScore struct {
	Class int
	Value float64
}

// WorstClasses returns up to k classes with samples, lowest recall first.
func (cm *ConfusionMatrix) WorstClasses(k int) []ClassScore {
	recall := cm.Recall()
	scores := make([]ClassScore, 0, cm.NumClasses)
	for c, v := range recall {
		if cm.Support(c) > 0 {
			scores = append(scores, ClassScore{Class: c, Value: v})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Value < scores[j].Value })
	if k >= 0 && k < len(scores) {
		scores = scores[:k]
	}
	return scores
}
