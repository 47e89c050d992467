package training

import (
	"context"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/tensor"
)

// Mode selects how a pass over the data behaves.
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "val"
	default:
		return "unknown"
	}
}

// Batch is one group of labeled samples. Input is [N, ...], Labels has N entries.
type Batch struct {
	Input  *tensor.Tensor
	Labels []int32
}

// Model is a trainable classifier producing [N, C] scores.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)

	// Backward accumulates parameter gradients for the most recent Forward
	// given the gradient of the loss with respect to its output.
	Backward(gradOutput *tensor.Tensor) error

	Parameters() []*tensor.Parameter
	SetMode(mode Mode)
}

// Loss scores [N, C] predictions against labels.
type Loss interface {
	Forward(predictions *tensor.Tensor, labels []int32) (float64, error)
	Backward(predictions *tensor.Tensor, labels []int32) (*tensor.Tensor, error)
}

// Loader produces a fresh pass over its data on every call to Iterate.
type Loader interface {
	Iterate(ctx context.Context, shuffle bool) (BatchIterator, error)
}

// BatchIterator yields batches until Next returns io.EOF.
type BatchIterator interface {
	Next() (*Batch, error)
	Close() error
}

// TelemetrySink receives per-epoch metrics. Step is the 0-based epoch index.
type TelemetrySink interface {
	AddScalars(tag string, values map[string]float64, step int) error
	AddText(tag, text string, step int) error
	Flush() error
}

// CheckpointStore persists training snapshots.
type CheckpointStore interface {
	SaveLatest(cp *checkpoints.Checkpoint) (string, error)
	SaveEpoch(cp *checkpoints.Checkpoint) (string, error)
	Load(path string) (*checkpoints.Checkpoint, error)
}
