package training

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/tsawler/go-finetune/tensor"
)

// linearModel is a single dense layer used to exercise real training
type linearModel struct {
	w, b        *tensor.Parameter
	in, classes int
	input       *tensor.Tensor
	mode        Mode
}

func newLinearModel(t *testing.T, in, classes int) *linearModel {
	t.Helper()
	w, err := tensor.NewParameter("fc.weight", tensor.MustZeros(in, classes))
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.NewParameter("fc.bias", tensor.MustZeros(classes))
	if err != nil {
		t.Fatal(err)
	}
	return &linearModel{w: w, b: b, in: in, classes: classes}
}

func (m *linearModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input.Flatten()
	if x.Cols() != m.in {
		return nil, errors.New("input width mismatch")
	}
	m.input = x
	out := tensor.MustZeros(x.Rows(), m.classes)
	for n := 0; n < x.Rows(); n++ {
		row := out.Row(n)
		copy(row, m.b.Value.Data)
		for i, xv := range x.Row(n) {
			for c := 0; c < m.classes; c++ {
				row[c] += xv * m.w.Value.Data[i*m.classes+c]
			}
		}
	}
	return out, nil
}

func (m *linearModel) Backward(grad *tensor.Tensor) error {
	for n := 0; n < grad.Rows(); n++ {
		g := grad.Row(n)
		for c := 0; c < m.classes; c++ {
			m.b.Grad.Data[c] += g[c]
		}
		for i, xv := range m.input.Row(n) {
			for c := 0; c < m.classes; c++ {
				m.w.Grad.Data[i*m.classes+c] += xv * g[c]
			}
		}
	}
	return nil
}

func (m *linearModel) Parameters() []*tensor.Parameter { return []*tensor.Parameter{m.w, m.b} }
func (m *linearModel) SetMode(mode Mode)               { m.mode = mode }

// scriptedModel produces validation losses from a script: on the i-th eval
// pass every sample scores exactly valLosses[i] under unsmoothed cross entropy.
type scriptedModel struct {
	param     *tensor.Parameter
	valLosses []float64
	evals     int
	mode      Mode
	gradValue float32
}

func newScriptedModel(t *testing.T, valLosses ...float64) *scriptedModel {
	t.Helper()
	p, err := tensor.NewParameter("head.weight", tensor.MustZeros(2))
	if err != nil {
		t.Fatal(err)
	}
	return &scriptedModel{param: p, valLosses: valLosses}
}

func (m *scriptedModel) SetMode(mode Mode) {
	m.mode = mode
	if mode == Eval {
		m.evals++
	}
}

func (m *scriptedModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.MustZeros(input.Rows(), 2)
	if m.mode == Eval {
		l := m.valLosses[(m.evals-1)%len(m.valLosses)]
		// log(1 + exp(-a)) = l with label 0
		a := float32(-math.Log(math.Expm1(l)))
		for n := 0; n < out.Rows(); n++ {
			out.Row(n)[0] = a
		}
	}
	return out, nil
}

func (m *scriptedModel) Backward(grad *tensor.Tensor) error {
	for i := range m.param.Grad.Data {
		m.param.Grad.Data[i] += m.gradValue
	}
	return nil
}

func (m *scriptedModel) Parameters() []*tensor.Parameter { return []*tensor.Parameter{m.param} }

// sliceLoader replays fixed batches
type sliceLoader struct {
	mu      sync.Mutex
	batches []*Batch
	opened  int
	closed  int
	failOn  int // Iterate fails on this call (1-based); 0 never
	failErr error
}

func (l *sliceLoader) Iterate(ctx context.Context, shuffle bool) (BatchIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened++
	if l.failOn != 0 && l.opened == l.failOn {
		return nil, l.failErr
	}
	return &sliceIterator{loader: l, batches: l.batches}, nil
}

func (l *sliceLoader) counts() (opened, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened, l.closed
}

type sliceIterator struct {
	loader  *sliceLoader
	batches []*Batch
	pos     int
}

func (it *sliceIterator) Next() (*Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *sliceIterator) Len() int { return len(it.batches) }

func (it *sliceIterator) Close() error {
	it.loader.mu.Lock()
	defer it.loader.mu.Unlock()
	it.loader.closed++
	return nil
}

// constantBatches returns n batches of size rows with every label 0
func constantBatches(n, rows int) []*Batch {
	batches := make([]*Batch, n)
	for i := range batches {
		batches[i] = &Batch{
			Input:  tensor.MustZeros(rows, 1),
			Labels: make([]int32, rows),
		}
	}
	return batches
}

// blobBatches builds a linearly separable problem: class c is centred on axis c
func blobBatches(seed int64, batches, rows, classes int) []*Batch {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*Batch, batches)
	for i := range out {
		input := tensor.MustZeros(rows, classes)
		labels := make([]int32, rows)
		for n := 0; n < rows; n++ {
			c := rng.Intn(classes)
			labels[n] = int32(c)
			row := input.Row(n)
			for j := range row {
				row[j] = float32(rng.NormFloat64() * 0.1)
			}
			row[c] += 1
		}
		out[i] = &Batch{Input: input, Labels: labels}
	}
	return out
}

// recordingSink captures telemetry
type recordingSink struct {
	mu      sync.Mutex
	scalars []scalarCall
	texts   []string
	flushed int
	err     error
}

type scalarCall struct {
	tag    string
	values map[string]float64
	step   int
}

func (s *recordingSink) AddScalars(tag string, values map[string]float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars = append(s.scalars, scalarCall{tag, values, step})
	return s.err
}

func (s *recordingSink) AddText(tag, text string, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, tag+"@"+text)
	return s.err
}

func (s *recordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return s.err
}
