package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Config holds every setting of a fine-tuning run. The core applies no
// defaults; callers fill every field and Validate rejects what is unusable.
type Config struct {
	TrainDataPath  string  `json:"train_data_path"`
	ValDataPath    string  `json:"val_data_path"`
	BatchSize      int     `json:"batch_size"`
	Workers        int     `json:"workers"`
	Optimizer      string  `json:"optimizer,omitempty"` // "sgd" when empty, or "adam"
	LearningRate   float64 `json:"learning_rate"`
	WeightDecay    float64 `json:"weight_decay"`
	Momentum       float64 `json:"momentum"`
	LabelSmoothing float64 `json:"label_smoothing"`
	PretrainedPath string  `json:"pretrained_path,omitempty"`
	OutputDir      string  `json:"output_dir"`
	Epochs         int     `json:"epochs"`
	Device         string  `json:"device"`
	MixedPrecision bool    `json:"mixed_precision"`

	PlateauFactor    float64 `json:"plateau_factor"`
	PlateauPatience  int     `json:"plateau_patience"`
	PlateauThreshold float64 `json:"plateau_threshold"`
	MinLR            float64 `json:"min_lr"`

	Seed int64 `json:"seed"`
}

// Validate reports the first unusable field, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrConfiguration, "batch size must be positive, got %d", c.BatchSize)
	case c.Workers < 0:
		return errors.Wrapf(ErrConfiguration, "workers must be non-negative, got %d", c.Workers)
	case c.Optimizer != "" && strings.ToLower(c.Optimizer) != "sgd" && strings.ToLower(c.Optimizer) != "adam":
		return errors.Wrapf(ErrConfiguration, "unknown optimizer %q", c.Optimizer)
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return errors.Wrapf(ErrConfiguration, "learning rate must be positive and finite, got %g", c.LearningRate)
	case c.WeightDecay < 0:
		return errors.Wrapf(ErrConfiguration, "weight decay must be non-negative, got %g", c.WeightDecay)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Wrapf(ErrConfiguration, "momentum must be in [0, 1), got %g", c.Momentum)
	case c.LabelSmoothing < 0 || c.LabelSmoothing >= 1:
		return errors.Wrapf(ErrConfiguration, "label smoothing must be in [0, 1), got %g", c.LabelSmoothing)
	case c.OutputDir == "":
		return errors.Wrap(ErrConfiguration, "output directory is required")
	case c.Epochs <= 0:
		return errors.Wrapf(ErrConfiguration, "epochs must be positive, got %d", c.Epochs)
	case c.PlateauFactor <= 0 || c.PlateauFactor >= 1:
		return errors.Wrapf(ErrConfiguration, "plateau factor must be in (0, 1), got %g", c.PlateauFactor)
	case c.PlateauPatience < 0:
		return errors.Wrapf(ErrConfiguration, "plateau patience must be non-negative, got %d", c.PlateauPatience)
	case c.PlateauThreshold < 0:
		return errors.Wrapf(ErrConfiguration, "plateau threshold must be non-negative, got %g", c.PlateauThreshold)
	case c.MinLR < 0:
		return errors.Wrapf(ErrConfiguration, "minimum learning rate must be non-negative, got %g", c.MinLR)
	}
	return nil
}

// Remarks renders the configuration as "key = value" lines for the run log.
func (c Config) Remarks() string {
	var b strings.Builder
	line := func(key string, value interface{}) {
		fmt.Fprintf(&b, "%s = %v\n", key, value)
	}
	line("train_data_path", c.TrainDataPath)
	line("val_data_path", c.ValDataPath)
	line("batch_size", c.BatchSize)
	line("workers", c.Workers)
	line("optimizer", c.Optimizer)
	line("learning_rate", c.LearningRate)
	line("weight_decay", c.WeightDecay)
	line("momentum", c.Momentum)
	line("label_smoothing", c.LabelSmoothing)
	line("pretrained_path", c.PretrainedPath)
	line("output_dir", c.OutputDir)
	line("epochs", c.Epochs)
	line("device", c.Device)
	line("mixed_precision", c.MixedPrecision)
	line("plateau_factor", c.PlateauFactor)
	line("plateau_patience", c.PlateauPatience)
	line("plateau_threshold", c.PlateauThreshold)
	line("min_lr", c.MinLR)
	line("seed", c.Seed)
	return b.String()
}
