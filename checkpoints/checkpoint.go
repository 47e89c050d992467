package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ErrStorage marks every checkpoint read or write failure.
var ErrStorage = errors.New("checkpoint storage failure")

// ErrIncompatible is returned when stored weights do not fit the model.
var ErrIncompatible = errors.New("checkpoint incompatible with model")

// StorageError records which checkpoint operation failed and where.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatBinary:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a configuration string onto a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "binary", "bin", "ckpt":
		return FormatBinary, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the training progress at the time of the snapshot
type TrainingState struct {
	Epoch            int      `json:"epoch"`
	IsBest           bool     `json:"is_best"`
	LearningRate     float64  `json:"learning_rate"`
	BestLoss         *float64 `json:"best_loss,omitempty"` // nil until a validation pass has completed
	EarlyStopCounter int      `json:"early_stop_counter"`
	LossScale        float64  `json:"loss_scale,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum buffers, hyperparameters)
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	RunID        string    `json:"run_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to path, replacing any existing file.
// The write goes through a temporary file so a reader never sees a partial checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return &StorageError{Op: "save", Path: path, Err: errors.New("nil checkpoint")}
	}

	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-finetune"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = MarshalBinary(checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return &StorageError{Op: "encode", Path: path, Err: err}
	}

	if err := writeFileAtomic(path, data); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint. The format is sniffed from the
// file contents, so a saver of either format can read both.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	var checkpoint *Checkpoint
	if bytes.HasPrefix(data, binaryMagic) {
		checkpoint, err = UnmarshalBinary(data)
	} else {
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	}
	if err != nil {
		return nil, &StorageError{Op: "decode", Path: path, Err: err}
	}

	return checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temporary file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename into place")
	}
	return nil
}
