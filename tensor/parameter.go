package tensor

import "fmt"

// Parameter is a trainable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// NewParameter allocates a parameter with a zeroed gradient of the same shape.
func NewParameter(name string, value *Tensor) (*Parameter, error) {
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("parameter %s: %v", name, err)
	}
	grad, err := Zeros(value.Shape...)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %v", name, err)
	}
	return &Parameter{Name: name, Value: value, Grad: grad}, nil
}

func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%s, shape=%v)", p.Name, p.Value.Shape)
}

// ZeroGrad clears the gradients of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Fill(0)
		}
	}
}

// Snapshot deep-copies parameter values, keyed by name.
func Snapshot(params []*Parameter) map[string][]float32 {
	out := make(map[string][]float32, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		out[p.Name] = data
	}
	return out
}
