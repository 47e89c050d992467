package layers_test

import (
	"strings"
	"testing"

	"github.com/tsawler/go-finetune/layers"
)

func TestModelBuilderCompile(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{32, 3, 8, 8}).
		AddDense(64, true, "fc1").
		AddReLU("relu1").
		AddDropout(0.2, "drop1").
		AddDense(10, false, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !model.Compiled {
		t.Error("model not marked compiled")
	}
	if got := model.Layers[0].Parameters["input_size"]; got != 192 {
		t.Errorf("expected flattened input size 192, got %v", got)
	}
	// fc1: 192*64 + 64, fc2: 64*10
	if want := int64(192*64 + 64 + 64*10); model.TotalParameters != want {
		t.Errorf("expected %d parameters, got %d", want, model.TotalParameters)
	}
	if len(model.ParameterShapes) != 3 {
		t.Errorf("expected 3 parameter tensors, got %d", len(model.ParameterShapes))
	}
	if model.NumClasses() != 10 {
		t.Errorf("expected 10 classes, got %d", model.NumClasses())
	}
	if model.OutputShape[0] != 32 || model.Layers[2].OutputShape[1] != 64 {
		t.Errorf("unexpected shapes: output %v, dropout %v", model.OutputShape, model.Layers[2].OutputShape)
	}

	summary := model.Summary()
	for _, want := range []string{"Total Parameters: 12992", "Layer 3: drop1 (Dropout)", "Output Shape: [32 10]"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestModelBuilderErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *layers.ModelBuilder
	}{
		{"empty", layers.NewModelBuilder([]int{1, 4})},
		{"no feature dims", layers.NewModelBuilder([]int{4}).AddDense(2, true, "fc")},
		{"duplicate names", layers.NewModelBuilder([]int{1, 4}).AddDense(2, true, "fc").AddDense(2, true, "fc")},
		{"unnamed", layers.NewModelBuilder([]int{1, 4}).AddReLU("")},
		{"dropout rate", layers.NewModelBuilder([]int{1, 4}).AddDropout(1, "drop")},
		{"zero width", layers.NewModelBuilder([]int{1, 4}).AddDense(0, true, "fc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Compile(); err == nil {
				t.Error("expected a compile error")
			}
		})
	}
}

func TestLayerTypeString(t *testing.T) {
	tests := map[layers.LayerType]string{
		layers.Dense:        "Dense",
		layers.ReLU:         "ReLU",
		layers.Dropout:      "Dropout",
		layers.LayerType(9): "Unknown",
	}
	for lt, want := range tests {
		if lt.String() != want {
			t.Errorf("expected %s, got %s", want, lt.String())
		}
	}
}
