package optimizer

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Dampening:    0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening, Nesterov momentum and L2 weight decay.
type SGD struct {
	config     SGDConfig
	parameters []*tensor.Parameter

	// Momentum buffers, allocated lazily on the first step
	velocities [][]float32
	scratch    []float32

	stepCount uint64
	mutex     sync.RWMutex
}

// NewSGD creates a new SGD optimizer over parameters
func NewSGD(parameters []*tensor.Parameter, config SGDConfig) (*SGD, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("SGD requires at least one parameter")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum must be non-negative, got %g", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	for i, p := range parameters {
		if p == nil || p.Value == nil || p.Grad == nil {
			return nil, fmt.Errorf("parameter %d is not trainable", i)
		}
		if len(p.Value.Data) != len(p.Grad.Data) {
			return nil, fmt.Errorf("parameter %s: gradient size %d does not match value size %d",
				p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
	}

	return &SGD{
		config:     config,
		parameters: parameters,
		velocities: make([][]float32, len(parameters)),
	}, nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.config.LearningRate)
	momentum := float32(sgd.config.Momentum)
	wd := float32(sgd.config.WeightDecay)

	for i, param := range sgd.parameters {
		n := len(param.Value.Data)
		if cap(sgd.scratch) < n {
			sgd.scratch = make([]float32, n)
		}
		// d_p = grad + weight_decay * param
		grad := sgd.scratch[:n]
		copy(grad, param.Grad.Data)
		if wd != 0 {
			blas32.Axpy(wd, vec(param.Value.Data), vec(grad))
		}

		if momentum != 0 {
			buf := sgd.velocities[i]
			if buf == nil {
				// First step seeds the buffer with the raw gradient
				buf = make([]float32, n)
				copy(buf, grad)
				sgd.velocities[i] = buf
			} else {
				blas32.Scal(momentum, vec(buf))
				blas32.Axpy(1-float32(sgd.config.Dampening), vec(grad), vec(buf))
			}

			if sgd.config.Nesterov {
				blas32.Axpy(momentum, vec(buf), vec(grad))
			} else {
				copy(grad, buf)
			}
		}

		// param = param - lr * d_p
		blas32.Axpy(-lr, vec(grad), vec(param.Value.Data))
	}

	sgd.stepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) Parameters() []*tensor.Parameter {
	return sgd.parameters
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	stateData := make([]checkpoints.OptimizerTensor, 0)

	// Extract momentum buffers if momentum is used
	if sgd.config.Momentum > 0 {
		for i, buffer := range sgd.velocities {
			t := extractBufferState(buffer, sgd.parameters[i].Value.Shape,
				fmt.Sprintf("momentum_%d", i), "momentum")
			if t != nil {
				stateData = append(stateData, *t)
			}
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"dampening":     sgd.config.Dampening,
			"nesterov":      boolParam(sgd.config.Nesterov),
			"step_count":    float64(sgd.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Dampening = extractFloatParam(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.parameters) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.velocities[idx] == nil {
			sgd.velocities[idx] = make([]float32, len(sgd.parameters[idx].Value.Data))
		}
		if err := restoreBufferState(sgd.velocities[idx], t.Data, t.Name); err != nil {
			return err
		}
	}

	return nil
}
