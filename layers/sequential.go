package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/training"
)

// module is one executable layer of a Sequential model
type module interface {
	forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	parameters() []*tensor.Parameter
}

// Sequential runs a compiled ModelSpec on the host. It implements training.Model.
type Sequential struct {
	spec    *ModelSpec
	modules []module
	mode    training.Mode
	half    bool
}

// Build instantiates a compiled spec. Weights are drawn uniformly from
// [-1/sqrt(fan_in), 1/sqrt(fan_in)] using seed, so equal seeds give equal models.
func Build(spec *ModelSpec, seed int64) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	rng := rand.New(rand.NewSource(seed))
	s := &Sequential{spec: spec, mode: training.Train}

	for i, layer := range spec.Layers {
		var m module
		var err error
		switch layer.Type {
		case Dense:
			m, err = newDense(layer, rng)
		case ReLU:
			m = &relu{}
		case Dropout:
			m = &dropout{
				rate: getFloatParam(layer.Parameters, "rate", 0),
				rng:  rand.New(rand.NewSource(rng.Int63())),
			}
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
		}
		s.modules = append(s.modules, m)
	}

	return s, nil
}

// SetHalfPrecision rounds activations and propagated gradients to IEEE
// half precision. Parameters and their gradients stay in float32.
func (s *Sequential) SetHalfPrecision(enabled bool) {
	s.half = enabled
}

func (s *Sequential) HalfPrecision() bool {
	return s.half
}

func (s *Sequential) SetMode(mode training.Mode) {
	s.mode = mode
}

func (s *Sequential) Mode() training.Mode {
	return s.mode
}

func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

func (s *Sequential) Summary() string {
	return s.spec.Summary()
}

// Forward runs every layer in order and returns [N, classes] scores
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	x := input
	if s.half {
		x = roundHalf(input.Clone())
	}
	for i, m := range s.modules {
		out, err := m.forward(x, s.mode == training.Train)
		if err != nil {
			return nil, fmt.Errorf("layer %s forward: %v", s.spec.Layers[i].Name, err)
		}
		if s.half {
			roundHalf(out)
		}
		x = out
	}
	return x, nil
}

// Backward propagates gradOutput through the layers of the last Forward,
// accumulating parameter gradients.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) error {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		next, err := s.modules[i].backward(grad)
		if err != nil {
			return fmt.Errorf("layer %s backward: %v", s.spec.Layers[i].Name, err)
		}
		if s.half && i > 0 {
			roundHalf(next)
		}
		grad = next
	}
	return nil
}

func (s *Sequential) Parameters() []*tensor.Parameter {
	var params []*tensor.Parameter
	for _, m := range s.modules {
		params = append(params, m.parameters()...)
	}
	return params
}

// roundHalf rounds t in place through float16 and marks it as half precision.
// Values beyond the float16 range become ±Inf.
func roundHalf(t *tensor.Tensor) *tensor.Tensor {
	for i, v := range t.Data {
		t.Data[i] = float16.Fromfloat32(v).Float32()
	}
	t.DType = tensor.Float16
	return t
}

func general(t *tensor.Tensor) blas32.General {
	return blas32.General{Rows: t.Rows(), Cols: t.Cols(), Stride: t.Cols(), Data: t.Data}
}

// dense computes x·W + b with W stored as [in, out]
type dense struct {
	in, out int
	weight  *tensor.Parameter
	bias    *tensor.Parameter // nil without bias
	input   *tensor.Tensor
	shape   []int // original input shape, restored on the way back
}

func newDense(spec LayerSpec, rng *rand.Rand) (*dense, error) {
	in := getIntParam(spec.Parameters, "input_size", 0)
	out := getIntParam(spec.Parameters, "output_size", 0)
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid dense size %dx%d", in, out)
	}

	bound := float32(1 / math.Sqrt(float64(in)))
	uniform := func(t *tensor.Tensor) {
		for i := range t.Data {
			t.Data[i] = (2*rng.Float32() - 1) * bound
		}
	}

	w := tensor.MustZeros(in, out)
	uniform(w)
	weight, err := tensor.NewParameter(spec.Name+".weight", w)
	if err != nil {
		return nil, err
	}

	d := &dense{in: in, out: out, weight: weight}
	if getBoolParam(spec.Parameters, "use_bias", true) {
		b := tensor.MustZeros(out)
		uniform(b)
		if d.bias, err = tensor.NewParameter(spec.Name+".bias", b); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *dense) forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	flat := x.Flatten()
	if flat.Cols() != d.in {
		return nil, fmt.Errorf("expected %d input features, got %d", d.in, flat.Cols())
	}
	d.input = flat
	d.shape = x.Shape

	out, err := tensor.Zeros(flat.Rows(), d.out)
	if err != nil {
		return nil, err
	}
	beta := float32(0)
	if d.bias != nil {
		for n := 0; n < out.Rows(); n++ {
			copy(out.Row(n), d.bias.Value.Data)
		}
		beta = 1
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(flat), general(d.weight.Value), beta, general(out))
	return out, nil
}

func (d *dense) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	if grad.Rows() != d.input.Rows() || grad.Cols() != d.out {
		return nil, fmt.Errorf("gradient shape %v does not match output [%d %d]", grad.Shape, d.input.Rows(), d.out)
	}
	g := general(grad)

	// dW += xᵀ·g
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(d.input), g, 1, general(d.weight.Grad))

	// db += column sums of g
	if d.bias != nil {
		for n := 0; n < grad.Rows(); n++ {
			blas32.Axpy(1, blas32.Vector{N: d.out, Data: grad.Row(n), Inc: 1},
				blas32.Vector{N: d.out, Data: d.bias.Grad.Data, Inc: 1})
		}
	}

	// dx = g·Wᵀ
	gradInput, err := tensor.Zeros(d.shape...)
	if err != nil {
		return nil, err
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(d.weight.Value), 0, general(gradInput.Flatten()))
	return gradInput, nil
}

func (d *dense) parameters() []*tensor.Parameter {
	if d.bias == nil {
		return []*tensor.Parameter{d.weight}
	}
	return []*tensor.Parameter{d.weight, d.bias}
}

type relu struct {
	mask []bool
}

func (r *relu) forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out := x.Clone()
	if cap(r.mask) < len(out.Data) {
		r.mask = make([]bool, len(out.Data))
	}
	r.mask = r.mask[:len(out.Data)]
	for i, v := range out.Data {
		r.mask[i] = v > 0
		if !r.mask[i] {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *relu) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if len(grad.Data) != len(r.mask) {
		return nil, fmt.Errorf("gradient size %d does not match activation size %d", len(grad.Data), len(r.mask))
	}
	out := grad.Clone()
	for i, keep := range r.mask {
		if !keep {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *relu) parameters() []*tensor.Parameter { return nil }

// dropout zeroes inputs with probability rate during training and scales the
// survivors by 1/(1-rate); evaluation is the identity.
type dropout struct {
	rate  float32
	rng   *rand.Rand
	scale []float32 // per-element multiplier of the last training forward; nil in eval
}

func (d *dropout) forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out := x.Clone()
	if !train || d.rate == 0 {
		d.scale = nil
		return out, nil
	}

	keep := 1 / (1 - d.rate)
	d.scale = make([]float32, len(out.Data))
	for i := range out.Data {
		if d.rng.Float32() >= d.rate {
			d.scale[i] = keep
		}
		out.Data[i] *= d.scale[i]
	}
	return out, nil
}

func (d *dropout) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	out := grad.Clone()
	if d.scale == nil {
		return out, nil
	}
	if len(d.scale) != len(out.Data) {
		return nil, fmt.Errorf("gradient size %d does not match activation size %d", len(out.Data), len(d.scale))
	}
	for i := range out.Data {
		out.Data[i] *= d.scale[i]
	}
	return out, nil
}

func (d *dropout) parameters() []*tensor.Parameter { return nil }
