package training

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tsawler/go-finetune/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(shape, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return out
}

func TestTopKAccuracy(t *testing.T) {
	// 4 samples, 3 classes
	predictions := mustTensor(t, []int{4, 3}, []float32{
		0.1, 0.7, 0.2, // ranks 1,2,0
		0.5, 0.3, 0.2, // ranks 0,1,2
		0.2, 0.2, 0.6, // ranks 2,0,1 (tie broken by index)
		0.3, 0.3, 0.3, // ranks 0,1,2
	})
	labels := []int32{1, 1, 1, 2}

	acc, err := TopKAccuracy(predictions, labels, 1, 2, 3)
	if err != nil {
		t.Fatalf("TopKAccuracy failed: %v", err)
	}

	expected := map[int]float64{1: 25, 2: 50, 3: 100}
	for k, want := range expected {
		if acc[k] != want {
			t.Errorf("top-%d: expected %.2f, got %.2f", k, want, acc[k])
		}
	}
}

func TestTopKAccuracyTieBreaking(t *testing.T) {
	// All scores equal: class 0 ranks first, class 4 last
	predictions := mustTensor(t, []int{2, 5}, make([]float32, 10))

	acc, err := TopKAccuracy(predictions, []int32{0, 4}, 1, 4, 5)
	if err != nil {
		t.Fatalf("TopKAccuracy failed: %v", err)
	}
	if acc[1] != 50 || acc[4] != 50 || acc[5] != 100 {
		t.Errorf("unexpected tie handling: %v", acc)
	}
}

func TestTopKAccuracyPerfect(t *testing.T) {
	n, c := 16, 10
	data := make([]float32, n*c)
	labels := make([]int32, n)
	for i := 0; i < n; i++ {
		labels[i] = int32(i % c)
		data[i*c+i%c] = 5
	}

	acc, err := TopKAccuracy(mustTensor(t, []int{n, c}, data), labels, 1, 5)
	if err != nil {
		t.Fatalf("TopKAccuracy failed: %v", err)
	}
	if acc[1] != 100 || acc[5] != 100 {
		t.Errorf("expected perfect accuracy, got %v", acc)
	}
}

func TestTopKAccuracyBoundsAndMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(20)
		c := 5 + rng.Intn(10)
		data := make([]float32, n*c)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		labels := make([]int32, n)
		for i := range labels {
			labels[i] = int32(rng.Intn(c))
		}

		acc, err := TopKAccuracy(mustTensor(t, []int{n, c}, data), labels, 1, 5)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		for k, v := range acc {
			if v < 0 || v > 100 {
				t.Errorf("trial %d: top-%d accuracy %.2f out of range", trial, k, v)
			}
		}
		if acc[5] < acc[1] {
			t.Errorf("trial %d: top-5 %.2f below top-1 %.2f", trial, acc[5], acc[1])
		}
	}
}

func TestTopKAccuracyInvalidInput(t *testing.T) {
	valid := mustTensor(t, []int{2, 3}, make([]float32, 6))

	tests := []struct {
		name   string
		preds  *tensor.Tensor
		labels []int32
		ks     []int
	}{
		{"k too large", valid, []int32{0, 1}, []int{4}},
		{"k zero", valid, []int32{0, 1}, []int{0}},
		{"no k", valid, []int32{0, 1}, nil},
		{"label count", valid, []int32{0}, []int{1}},
		{"label out of range", valid, []int32{0, 3}, []int{1}},
		{"negative label", valid, []int32{-1, 0}, []int{1}},
		{"not 2D", mustTensor(t, []int{6}, make([]float32, 6)), []int32{0, 1}, []int{1}},
		{"nil predictions", nil, nil, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TopKAccuracy(tt.preds, tt.labels, tt.ks...)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
