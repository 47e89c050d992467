package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"

	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/training"
)

var _ training.Model = (*Sequential)(nil)

func build(t *testing.T, seed int64, builder *ModelBuilder) *Sequential {
	t.Helper()
	spec, err := builder.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := Build(spec, seed)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return model
}

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.MustZeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func TestSequentialForwardShapeAndSeed(t *testing.T) {
	newModel := func() *Sequential {
		return build(t, 42, NewModelBuilder([]int{4, 2, 3}).
			AddDense(5, true, "fc1").
			AddReLU("relu").
			AddDense(3, true, "fc2"))
	}
	a, b := newModel(), newModel()

	input := randomTensor(rand.New(rand.NewSource(1)), 4, 2, 3)
	outA, err := a.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	outB, _ := b.Forward(input)

	if outA.Shape[0] != 4 || outA.Shape[1] != 3 {
		t.Errorf("expected output [4 3], got %v", outA.Shape)
	}
	if !outA.Equal(outB) {
		t.Error("models built with the same seed must agree")
	}

	names := []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"}
	params := a.Parameters()
	if len(params) != len(names) {
		t.Fatalf("expected %d parameters, got %d", len(names), len(params))
	}
	for i, p := range params {
		if p.Name != names[i] {
			t.Errorf("parameter %d: expected %s, got %s", i, names[i], p.Name)
		}
	}

	bound := float32(1 / math.Sqrt(6))
	for _, v := range params[0].Value.Data {
		if v < -bound || v > bound {
			t.Fatalf("fc1 weight %f outside ±%f", v, bound)
		}
	}

	if _, err := a.Forward(tensor.MustZeros(4, 5)); err == nil {
		t.Error("expected an error for the wrong input width")
	}
}

func TestDenseGradients(t *testing.T) {
	model := build(t, 3, NewModelBuilder([]int{3, 4}).
		AddDense(5, true, "fc1").
		AddDense(2, true, "fc2"))
	rng := rand.New(rand.NewSource(9))
	input := randomTensor(rng, 3, 4)
	weights := randomTensor(rng, 3, 2) // objective: sum(output * weights)

	objective := func() float64 {
		out, err := model.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var sum float64
		for i, v := range out.Data {
			sum += float64(v * weights.Data[i])
		}
		return sum
	}

	objective()
	if err := model.Backward(weights); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const h = 1e-2
	for _, p := range model.Parameters() {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + h
			up := objective()
			p.Value.Data[i] = orig - h
			down := objective()
			p.Value.Data[i] = orig

			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-float64(p.Grad.Data[i])) > 1e-3*(1+math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %g, numeric %g", p.Name, i, p.Grad.Data[i], numeric)
			}
		}
	}
}

func TestReLUBackwardMasks(t *testing.T) {
	r := &relu{}
	x, _ := tensor.New([]int{1, 4}, []float32{-1, 2, 0, 3})
	out, _ := r.forward(x, true)
	want := []float32{0, 2, 0, 3}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Errorf("forward[%d]: expected %v, got %v", i, want[i], out.Data[i])
		}
	}

	g, _ := tensor.New([]int{1, 4}, []float32{1, 1, 1, 1})
	grad, err := r.backward(g)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	wantGrad := []float32{0, 1, 0, 1}
	for i := range wantGrad {
		if grad.Data[i] != wantGrad[i] {
			t.Errorf("backward[%d]: expected %v, got %v", i, wantGrad[i], grad.Data[i])
		}
	}
}

func TestDropoutModes(t *testing.T) {
	model := build(t, 5, NewModelBuilder([]int{1, 1000}).AddDropout(0.5, "drop"))
	input := tensor.MustZeros(1, 1000)
	input.Fill(1)

	model.SetMode(training.Eval)
	out, err := model.Forward(input)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(input) {
		t.Error("dropout must be the identity in eval mode")
	}

	model.SetMode(training.Train)
	out, _ = model.Forward(input)
	zeros := 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected dropout output %v", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("expected about half the units dropped, got %d", zeros)
	}

	grad := tensor.MustZeros(1, 1000)
	grad.Fill(1)
	if err := model.Backward(grad); err != nil {
		t.Fatal(err)
	}
}

func TestHalfPrecisionRounding(t *testing.T) {
	model := build(t, 1, NewModelBuilder([]int{1, 2}).AddReLU("relu"))
	model.SetHalfPrecision(true)

	input, _ := tensor.New([]int{1, 2}, []float32{0.1, 70000})
	out, err := model.Forward(input)
	if err != nil {
		t.Fatal(err)
	}

	if out.Data[0] != float16.Fromfloat32(0.1).Float32() || out.Data[0] == 0.1 {
		t.Errorf("expected 0.1 rounded to half precision, got %v", out.Data[0])
	}
	if !math.IsInf(float64(out.Data[1]), 1) {
		t.Errorf("expected overflow to +Inf beyond the half range, got %v", out.Data[1])
	}
	if out.DType != tensor.Float16 {
		t.Errorf("expected Float16 output, got %s", out.DType)
	}
	if input.Data[0] != 0.1 {
		t.Error("the caller's input must not be modified")
	}
}

func TestBuildRequiresCompiledSpec(t *testing.T) {
	if _, err := Build(&ModelSpec{}, 0); err == nil {
		t.Error("expected an error for an uncompiled spec")
	}
}
