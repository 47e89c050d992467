package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64
	WeightDecay  float64 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	config     AdamConfig
	parameters []*tensor.Parameter

	// First and second moment for each parameter
	moments   [][]float32
	variances [][]float32

	// Step tracking for bias correction
	stepCount uint64
	mutex     sync.RWMutex
}

// NewAdam creates a new Adam optimizer over parameters
func NewAdam(parameters []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("Adam requires at least one parameter")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}

	adam := &Adam{
		config:     config,
		parameters: parameters,
		moments:    make([][]float32, len(parameters)),
		variances:  make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		if p == nil || p.Value == nil || p.Grad == nil {
			return nil, fmt.Errorf("parameter %d is not trainable", i)
		}
		if len(p.Value.Data) != len(p.Grad.Data) {
			return nil, fmt.Errorf("parameter %s: gradient size %d does not match value size %d",
				p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
		adam.moments[i] = make([]float32, len(p.Value.Data))
		adam.variances[i] = make([]float32, len(p.Value.Data))
	}
	return adam, nil
}

// Step performs a single optimization step
func (a *Adam) Step() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.stepCount++
	t := float64(a.stepCount)
	beta1, beta2 := a.config.Beta1, a.config.Beta2
	bias1 := 1 - math.Pow(beta1, t)
	bias2 := 1 - math.Pow(beta2, t)
	stepSize := a.config.LearningRate / bias1
	wd := a.config.WeightDecay

	for i, param := range a.parameters {
		m, v := a.moments[i], a.variances[i]
		for j, g32 := range param.Grad.Data {
			g := float64(g32)
			if wd != 0 {
				g += wd * float64(param.Value.Data[j])
			}
			mj := beta1*float64(m[j]) + (1-beta1)*g
			vj := beta2*float64(v[j]) + (1-beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			denom := math.Sqrt(vj/bias2) + a.config.Epsilon
			param.Value.Data[j] -= float32(stepSize * mj / denom)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (a *Adam) ZeroGrad() {
	tensor.ZeroGrad(a.parameters)
}

func (a *Adam) Parameters() []*tensor.Parameter {
	return a.parameters
}

// GetLR returns the current learning rate
func (a *Adam) GetLR() float64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.config.LearningRate
}

// SetLR sets the learning rate
func (a *Adam) SetLR(lr float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.config.LearningRate = lr
}

func (a *Adam) GetStepCount() uint64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.stepCount
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*OptimizerState, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(a.parameters))
	for i, p := range a.parameters {
		stateData = append(stateData,
			*extractBufferState(a.moments[i], p.Value.Shape, fmt.Sprintf("m_%d", i), "m"),
			*extractBufferState(a.variances[i], p.Value.Shape, fmt.Sprintf("v_%d", i), "v"))
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloatParam(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloatParam(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", a.stepCount)

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(a.parameters) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		var buffer []float32
		switch t.StateType {
		case "m":
			buffer = a.moments[idx]
		case "v":
			buffer = a.variances[idx]
		default:
			continue
		}
		if err := restoreBufferState(buffer, t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}
