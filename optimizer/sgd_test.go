package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-hansik/checkpoints"
)

func params(values ...float32) checkpoints.StateDict {
	return checkpoints.StateDict{
		"w": {Shape: []int{len(values)}, Data: append([]float32(nil), values...)},
	}
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0.9 {
		t.Errorf("Expected Momentum 0.9, got %f", config.Momentum)
	}
	if config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("Unexpected defaults: %+v", config)
	}
}

func TestNewSGDValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"ZeroLR", SGDConfig{LearningRate: 0}},
		{"NegativeMomentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"MomentumOne", SGDConfig{LearningRate: 0.1, Momentum: 1}},
		{"NesterovWithoutMomentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(tt.config); err == nil {
				t.Errorf("Expected error for %+v", tt.config)
			}
		})
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("Vanilla", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1})
		p := params(1, 2)
		if err := opt.Step(p, map[string][]float32{"w": {1, -1}}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !approx(p["w"].Data[0], 0.9) || !approx(p["w"].Data[1], 2.1) {
			t.Errorf("Unexpected params: %v", p["w"].Data)
		}
		if opt.StepCount() != 1 {
			t.Errorf("Expected step count 1, got %d", opt.StepCount())
		}
	})

	t.Run("Momentum", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
		p := params(0)
		grad := map[string][]float32{"w": {1}}

		// buf = 1, p = -0.1
		opt.Step(p, grad)
		// buf = 0.9*1 + 1 = 1.9, p = -0.1 - 0.19 = -0.29
		opt.Step(p, grad)

		if !approx(p["w"].Data[0], -0.29) {
			t.Errorf("Expected -0.29, got %v", p["w"].Data[0])
		}
	})

	t.Run("Nesterov", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true})
		p := params(0)
		// buf = 1, update = g + 0.5*buf = 1.5
		opt.Step(p, map[string][]float32{"w": {1}})
		if !approx(p["w"].Data[0], -0.15) {
			t.Errorf("Expected -0.15, got %v", p["w"].Data[0])
		}
	})

	t.Run("WeightDecay", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5})
		p := params(2)
		// g = 0 + 0.5*2 = 1
		opt.Step(p, map[string][]float32{"w": {0}})
		if !approx(p["w"].Data[0], 1.9) {
			t.Errorf("Expected 1.9, got %v", p["w"].Data[0])
		}
	})

	t.Run("SizeMismatchLeavesParamsUntouched", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1})
		p := params(1, 2)
		if err := opt.Step(p, map[string][]float32{"w": {1}}); err == nil {
			t.Error("Expected size mismatch error")
		}
		if err := opt.Step(p, map[string][]float32{"missing": {1}}); err == nil {
			t.Error("Expected unknown parameter error")
		}
		if p["w"].Data[0] != 1 || p["w"].Data[1] != 2 {
			t.Errorf("Params modified: %v", p["w"].Data)
		}
	})
}

func TestSGDStateRoundTrip(t *testing.T) {
	opt, _ := NewSGD(SGDConfig{LearningRate: 0.05, Momentum: 0.9, WeightDecay: 1e-4})
	p := params(0.5, -0.5)
	grad := map[string][]float32{"w": {0.2, -0.3}}
	opt.Step(p, grad)
	opt.Step(p, grad)
	opt.SetLearningRate(0.01)

	state, err := opt.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}

	restored, _ := NewSGD(SGDConfig{LearningRate: 1})
	if err := restored.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}

	if restored.LearningRate() != 0.01 || restored.StepCount() != 2 {
		t.Errorf("Hyperparameters not restored: lr=%v steps=%d", restored.LearningRate(), restored.StepCount())
	}

	// Both optimizers must now produce identical updates.
	a, b := params(1, 1), params(1, 1)
	opt.Step(a, grad)
	restored.Step(b, grad)
	for i := range a["w"].Data {
		if a["w"].Data[i] != b["w"].Data[i] {
			t.Errorf("Update %d differs after restore: %v vs %v", i, a["w"].Data[i], b["w"].Data[i])
		}
	}
}

func TestSGDLoadStateDictErrors(t *testing.T) {
	opt, _ := NewSGD(DefaultSGDConfig())

	if err := opt.LoadStateDict([]byte("garbage")); err == nil {
		t.Error("Expected decode error")
	}

	wrongType, _ := encodeState(&OptimizerState{Type: "Adam"})
	if err := opt.LoadStateDict(wrongType); err == nil {
		t.Error("Expected type mismatch error")
	}

	badShape, _ := encodeState(&OptimizerState{
		Type:      "SGD",
		StateData: []StateTensor{{Name: "w", Shape: []int{3}, Data: []float32{1}, StateType: "momentum"}},
	})
	if err := opt.LoadStateDict(badShape); err == nil {
		t.Error("Expected shape error")
	}
	if opt.LearningRate() != 0.01 {
		t.Errorf("Failed load changed learning rate to %v", opt.LearningRate())
	}
}

func TestExtractParams(t *testing.T) {
	p := map[string]any{"lr": int8(3), "steps": uint16(7), "flag": true, "bad": "x"}

	if got := extractFloat64Param(p, "lr", 1); got != 3 {
		t.Errorf("Expected 3, got %v", got)
	}
	if got := extractFloat64Param(p, "missing", 1.5); got != 1.5 {
		t.Errorf("Expected default, got %v", got)
	}
	if got := extractUint64Param(p, "steps", 0); got != 7 {
		t.Errorf("Expected 7, got %v", got)
	}
	if got := extractUint64Param(p, "bad", 9); got != 9 {
		t.Errorf("Expected default for non-numeric, got %v", got)
	}
	if !extractBoolParam(p, "flag", false) || extractBoolParam(p, "missing", false) {
		t.Error("Unexpected bool extraction")
	}
}
