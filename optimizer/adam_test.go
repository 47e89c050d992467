package optimizer

import (
	"testing"

	"github.com/tsawler/go-finetune/tensor"
)

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 || config.Beta2 != 0.999 {
		t.Errorf("Expected betas 0.9/0.999, got %f/%f", config.Beta1, config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestNewAdamValidation(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{0})
	bad := []AdamConfig{
		{LearningRate: 0, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: -0.1, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: -1},
	}
	for i, config := range bad {
		if _, err := NewAdam([]*tensor.Parameter{p}, config); err == nil {
			t.Errorf("config %d: expected an error", i)
		}
	}
	if _, err := NewAdam(nil, DefaultAdamConfig()); err == nil {
		t.Error("expected an error without parameters")
	}
}

func TestAdamStep(t *testing.T) {
	// a constant gradient moves each weight by lr per step, whatever its size
	p := newParam(t, "w", []float32{1, -1}, []float32{0.5, -2})
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdam([]*tensor.Parameter{p}, config)
	if err != nil {
		t.Fatal(err)
	}

	if err := adam.Step(); err != nil {
		t.Fatal(err)
	}
	assertClose(t, p.Value.Data, []float32{0.9, -0.9})

	if err := adam.Step(); err != nil {
		t.Fatal(err)
	}
	assertClose(t, p.Value.Data, []float32{0.8, -0.8})

	if adam.GetStepCount() != 2 {
		t.Errorf("step count %d, want 2", adam.GetStepCount())
	}

	adam.SetLR(0.01)
	if adam.GetLR() != 0.01 {
		t.Errorf("GetLR = %g", adam.GetLR())
	}
	adam.ZeroGrad()
	if p.Grad.Data[0] != 0 || p.Grad.Data[1] != 0 {
		t.Error("ZeroGrad left gradients behind")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := newParam(t, "w", []float32{1, 2, 3}, []float32{0.1, -0.2, 0.3})
	adam, _ := NewAdam([]*tensor.Parameter{p}, DefaultAdamConfig())
	adam.Step()
	adam.Step()

	state, err := adam.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Type != "Adam" || len(state.StateData) != 2 {
		t.Fatalf("state = %+v", state)
	}

	q := newParam(t, "w", []float32{1, 2, 3}, []float32{0.1, -0.2, 0.3})
	restored, _ := NewAdam([]*tensor.Parameter{q}, DefaultAdamConfig())
	if err := restored.LoadState(FromCheckpoint(state.ToCheckpoint())); err != nil {
		t.Fatal(err)
	}
	if restored.GetStepCount() != 2 {
		t.Errorf("restored step count %d", restored.GetStepCount())
	}
	assertClose(t, restored.moments[0], adam.moments[0])
	assertClose(t, restored.variances[0], adam.variances[0])

	// both continue identically from the same weights and moments
	copy(q.Value.Data, p.Value.Data)
	adam.Step()
	restored.Step()
	assertClose(t, q.Value.Data, p.Value.Data)

	sgdState := &OptimizerState{Type: "SGD"}
	if err := restored.LoadState(sgdState); err == nil {
		t.Error("expected a type mismatch error")
	}
}
