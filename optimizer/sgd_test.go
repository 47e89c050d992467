package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-finetune/tensor"
)

func newParam(t *testing.T, name string, values, grads []float32) *tensor.Parameter {
	t.Helper()
	value, err := tensor.New([]int{len(values)}, values)
	if err != nil {
		t.Fatalf("failed to create value tensor: %v", err)
	}
	p, err := tensor.NewParameter(name, value)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	copy(p.Grad.Data, grads)
	return p
}

func assertClose(t *testing.T, got, want []float32) {
	t.Helper()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("Expected plain SGD defaults, got %+v", config)
	}
}

func TestNewSGDValidation(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{0})

	tests := []struct {
		name   string
		params []*tensor.Parameter
		config SGDConfig
	}{
		{"no parameters", nil, DefaultSGDConfig()},
		{"zero learning rate", []*tensor.Parameter{p}, SGDConfig{LearningRate: 0}},
		{"negative momentum", []*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, Momentum: -1}},
		{"negative weight decay", []*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", []*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(tt.params, tt.config); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSGDVanillaStep(t *testing.T) {
	p := newParam(t, "w", []float32{1, 2}, []float32{0.5, -1})
	sgd, err := NewSGD([]*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	assertClose(t, p.Value.Data, []float32{0.95, 2.1})
	if sgd.GetStepCount() != 1 {
		t.Errorf("expected step count 1, got %d", sgd.GetStepCount())
	}
	// The gradient buffer must not be modified by the update
	assertClose(t, p.Grad.Data, []float32{0.5, -1})
}

func TestSGDWeightDecay(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{0})
	sgd, err := NewSGD([]*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, WeightDecay: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	assertClose(t, p.Value.Data, []float32{0.99})
}

func TestSGDMomentum(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{1})
	sgd, err := NewSGD([]*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	// step 1: buf = 1, param = 0.9
	// step 2: buf = 0.9 + 1 = 1.9, param = 0.9 - 0.19 = 0.71
	for i := 0; i < 2; i++ {
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	assertClose(t, p.Value.Data, []float32{0.71})
}

func TestSGDStateRoundTrip(t *testing.T) {
	p := newParam(t, "w", []float32{1, 1}, []float32{1, 2})
	sgd, err := NewSGD([]*tensor.Parameter{p}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	sgd.SetLR(0.05)

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" || len(state.StateData) != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}

	q := newParam(t, "w", []float32{1, 1}, []float32{1, 2})
	restored, err := NewSGD([]*tensor.Parameter{q}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	if err := restored.LoadState(FromCheckpoint(state.ToCheckpoint())); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if restored.GetLR() != 0.05 {
		t.Errorf("expected restored LR 0.05, got %f", restored.GetLR())
	}
	if restored.GetStepCount() != 1 {
		t.Errorf("expected restored step count 1, got %d", restored.GetStepCount())
	}
	assertClose(t, restored.velocities[0], []float32{1, 2})

	if err := restored.LoadState(&OptimizerState{Type: "Adam"}); err == nil {
		t.Error("expected a type mismatch error")
	}
}
