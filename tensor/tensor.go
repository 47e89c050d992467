package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float32 buffer. Float16 tensors keep their
// values in Data as float32 that have already been rounded to half precision.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// New wraps data in a tensor of the given shape. data is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float32, calculateNumElements(shape)))
}

// MustZeros is Zeros for shapes known to be valid at compile time.
func MustZeros(shape ...int) *Tensor {
	t, err := Zeros(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate reports whether the tensor metadata agrees with its buffer.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("tensor is nil")
	}
	if err := validateShape(t.Shape); err != nil {
		return err
	}
	if n := calculateNumElements(t.Shape); n != t.NumElems || len(t.Data) != n {
		return fmt.Errorf("tensor size mismatch: shape %v holds %d elements, buffer has %d", t.Shape, n, len(t.Data))
	}
	return nil
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		Data:     data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Rows returns the leading dimension.
func (t *Tensor) Rows() int {
	return t.Shape[0]
}

// Cols returns the number of elements per leading index.
func (t *Tensor) Cols() int {
	if t.Shape[0] == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// Row returns a view of the i-th leading slice.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Cols()
	return t.Data[i*cols : (i+1)*cols]
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Flatten returns a [rows, cols] view sharing the same buffer.
func (t *Tensor) Flatten() *Tensor {
	if len(t.Shape) == 2 {
		return t
	}
	rows, cols := t.Rows(), t.Cols()
	return &Tensor{
		Shape:    []int{rows, cols},
		Strides:  []int{cols, 1},
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Equal reports whether two tensors have the same shape and bit-identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i, dim := range t.Shape {
		if dim != other.Shape[i] {
			return false
		}
	}
	for i, v := range t.Data {
		if v != other.Data[i] {
			return false
		}
	}
	return true
}
