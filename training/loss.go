package training

import (
	"fmt"
	"math"
)

// CrossEntropyLoss implements softmax cross entropy over row-major logits.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the loss.
// logits: [batch_size, num_classes], labels: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(logits []float32, labels []int32, numClasses int) (float64, error) {
	batchSize, err := checkShapes(logits, labels, numClasses)
	if err != nil {
		return 0, err
	}

	probs := Softmax(logits, numClasses)
	var loss float64
	for i, label := range labels {
		p := float64(probs[i*numClasses+int(label)])
		// Clamp so a saturated wrong prediction gives a large but finite loss.
		loss -= math.Log(math.Max(p, 1e-12))
	}

	if ce.reduction == "mean" && batchSize > 0 {
		loss /= float64(batchSize)
	}
	return loss, nil
}

// Backward returns dL/dlogits, which is softmax(logits) - onehot(labels).
func (ce *CrossEntropyLoss) Backward(logits []float32, labels []int32, numClasses int) ([]float32, error) {
	batchSize, err := checkShapes(logits, labels, numClasses)
	if err != nil {
		return nil, err
	}

	grad := Softmax(logits, numClasses)
	for i, label := range labels {
		grad[i*numClasses+int(label)] -= 1
	}

	if ce.reduction == "mean" && batchSize > 0 {
		scale := 1 / float32(batchSize)
		for i := range grad {
			grad[i] *= scale
		}
	}
	return grad, nil
}

func checkShapes(logits []float32, labels []int32, numClasses int) (int, error) {
	if numClasses <= 0 {
		return 0, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if len(logits) != len(labels)*numClasses {
		return 0, fmt.Errorf("logits have %d values, expected %d x %d", len(logits), len(labels), numClasses)
	}
	for _, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return 0, fmt.Errorf("target class %d out of range [0, %d)", label, numClasses)
		}
	}
	return len(labels), nil
}

// Softmax applies a numerically stable softmax to each row of logits.
func Softmax(logits []float32, numClasses int) []float32 {
	out := make([]float32, len(logits))
	for start := 0; start+numClasses <= len(logits); start += numClasses {
		row := logits[start : start+numClasses]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[start+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[start+j] = float32(float64(out[start+j]) / sum)
		}
	}
	return out
}

// Argmax returns the index of the largest value. Ties go to the lower index.
func Argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// CountCorrect returns how many rows of logits have their argmax at the label.
func CountCorrect(logits []float32, labels []int32, numClasses int) int {
	correct := 0
	for i, label := range labels {
		if Argmax(logits[i*numClasses:(i+1)*numClasses]) == int(label) {
			correct++
		}
	}
	return correct
}
