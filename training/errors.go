package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/device"
)

var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrEmptyLoader   = errors.New("loader produced no batches")
	ErrMode          = errors.New("unsupported mode")
	ErrInvalidInput  = errors.New("invalid input")

	ErrStorage = checkpoints.ErrStorage
	ErrDevice  = device.ErrUnavailable
)

// Phase names the stage of a run in which a fatal error occurred.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseTrain      Phase = "train"
	PhaseEval       Phase = "eval"
	PhaseCheckpoint Phase = "checkpoint"
)

// RunError is returned by Trainer.Run when a run stops on a fatal error.
// Epoch is 1-based; 0 means the run failed before the first epoch.
type RunError struct {
	Epoch int
	Phase Phase
	Err   error
}

func (e *RunError) Error() string {
	if e.Epoch == 0 {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("epoch %d %s: %v", e.Epoch, e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
