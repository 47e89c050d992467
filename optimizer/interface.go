package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/tensor"
)

// Optimizer defines the common interface for all optimizers.
// The interface enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one update to every parameter using its current gradient
	Step() error

	// ZeroGrad clears the accumulated gradients of the optimized parameters
	ZeroGrad()

	// Parameters returns the parameters this optimizer updates
	Parameters() []*tensor.Parameter

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLR and SetLR read and update the learning rate
	GetLR() float64
	SetLR(lr float64)
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "SGD" or "Adam"
	Parameters map[string]float64            `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter buffers
}

// ToCheckpoint converts the state into its serialisable checkpoint form.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	if s == nil {
		return nil
	}
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a checkpointed optimizer state back.
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// New builds the optimizer registered under name: "sgd" (also the empty
// name) or "adam". momentum only applies to SGD.
func New(name string, params []*tensor.Parameter, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "sgd":
		return NewSGD(params, SGDConfig{LearningRate: lr, Momentum: momentum, WeightDecay: weightDecay})
	case "adam":
		config := DefaultAdamConfig()
		config.LearningRate = lr
		config.WeightDecay = weightDecay
		return NewAdam(params, config)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
