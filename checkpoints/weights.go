package checkpoints

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
)

// ExtractWeights copies the parameter values into checkpoint tensors.
// Parameter names of the form "layer.kind" populate Layer and Type.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		if p == nil || p.Value == nil {
			continue
		}
		layer, kind := p.Name, ""
		if i := strings.LastIndexByte(p.Name, '.'); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint tensors into params by name. Every parameter
// must be present with an identical shape; nothing is modified on failure.
func LoadWeights(weights []WeightTensor, params []*tensor.Parameter) error {
	byName := make(map[string]*WeightTensor, len(weights))
	for i := range weights {
		byName[weights[i].Name] = &weights[i]
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(ErrIncompatible, "parameter %s missing from checkpoint", p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) {
			return errors.Wrapf(ErrIncompatible, "parameter %s: checkpoint shape %v, model shape %v",
				p.Name, w.Shape, p.Value.Shape)
		}
		if len(w.Data) != len(p.Value.Data) {
			return errors.Wrapf(ErrIncompatible, "parameter %s: checkpoint has %d values, expected %d",
				p.Name, len(w.Data), len(p.Value.Data))
		}
	}

	for _, p := range params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
