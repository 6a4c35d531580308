package training

import (
	"math"
	"testing"
)

func TestCrossEntropyLoss(t *testing.T) {
	t.Run("UniformLogits", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")

		// Equal logits over 4 classes give -log(1/4) per sample.
		loss, err := ce.Forward(make([]float32, 8), []int32{0, 3}, 4)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if math.Abs(loss-math.Log(4)) > 1e-6 {
			t.Errorf("Expected %.6f, got %.6f", math.Log(4), loss)
		}
	})

	t.Run("SumReduction", func(t *testing.T) {
		ce := NewCrossEntropyLoss("sum")
		loss, _ := ce.Forward(make([]float32, 8), []int32{0, 3}, 4)
		if math.Abs(loss-2*math.Log(4)) > 1e-6 {
			t.Errorf("Expected %.6f, got %.6f", 2*math.Log(4), loss)
		}
	})

	t.Run("ConfidentPredictionHasLowLoss", func(t *testing.T) {
		ce := NewCrossEntropyLoss("")
		loss, _ := ce.Forward([]float32{10, 0, 0}, []int32{0}, 3)
		if loss > 1e-3 {
			t.Errorf("Expected near-zero loss, got %v", loss)
		}
	})

	t.Run("Backward", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")
		grad, err := ce.Backward([]float32{0, 0, 0, 0}, []int32{1, 0}, 2)
		if err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		// (softmax - onehot) / batch
		expected := []float32{0.25, -0.25, -0.25, 0.25}
		for i := range expected {
			if math.Abs(float64(grad[i]-expected[i])) > 1e-6 {
				t.Errorf("grad[%d]: expected %v, got %v", i, expected[i], grad[i])
			}
		}
	})

	t.Run("InvalidInputs", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")
		if _, err := ce.Forward([]float32{0, 0, 0}, []int32{0}, 2); err == nil {
			t.Error("Expected shape error")
		}
		if _, err := ce.Forward([]float32{0, 0}, []int32{2}, 2); err == nil {
			t.Error("Expected label range error")
		}
		if _, err := ce.Backward(nil, nil, 0); err == nil {
			t.Error("Expected class count error")
		}
	})
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 2, 3, 1000, 1000, 1000}, 3)

	for row := 0; row < 2; row++ {
		var sum float32
		for _, p := range probs[row*3 : row*3+3] {
			sum += p
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("Row %d sums to %v", row, sum)
		}
	}
	if !(probs[2] > probs[1] && probs[1] > probs[0]) {
		t.Errorf("Softmax not monotonic: %v", probs[:3])
	}
	if math.Abs(float64(probs[3]-1.0/3)) > 1e-5 {
		t.Errorf("Large equal logits should be uniform, got %v", probs[3:])
	}
}

func TestArgmaxAndCountCorrect(t *testing.T) {
	if got := Argmax([]float32{0.2, 0.5, 0.5}); got != 1 {
		t.Errorf("Ties should pick the lower index, got %d", got)
	}

	logits := []float32{
		0.9, 0.1,
		0.3, 0.7,
		0.6, 0.4,
	}
	if got := CountCorrect(logits, []int32{0, 1, 1}, 2); got != 2 {
		t.Errorf("Expected 2 correct, got %d", got)
	}
}
