package training

import (
	"io"
	"log"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/tensor"
)

// GradScalerConfig holds configuration for dynamic loss scaling
type GradScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
	Enabled        bool
}

// DefaultGradScalerConfig returns the usual mixed-precision settings
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		Enabled:        true,
	}
}

// GradScalerStats summarises scaler activity over its lifetime
type GradScalerStats struct {
	Scale        float64
	Steps        uint64
	SkippedSteps uint64
	Growths      uint64
}

// GradScaler multiplies the loss gradient by a dynamic scale so that small
// half-precision gradients do not underflow, and skips optimizer updates whose
// gradients overflowed.
type GradScaler struct {
	config GradScalerConfig
	scale  float64

	growthTracker int
	skippedLast   bool
	stats         GradScalerStats

	logger *log.Logger
}

// NewGradScaler creates a scaler; a disabled scaler passes everything through.
func NewGradScaler(config GradScalerConfig) (*GradScaler, error) {
	if config.Enabled {
		if !(config.InitScale > 0) || math.IsInf(config.InitScale, 0) {
			return nil, errors.Wrapf(ErrConfiguration, "scaler initial scale must be positive and finite, got %g", config.InitScale)
		}
		if config.GrowthFactor <= 1 {
			return nil, errors.Wrapf(ErrConfiguration, "scaler growth factor must exceed 1, got %g", config.GrowthFactor)
		}
		if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
			return nil, errors.Wrapf(ErrConfiguration, "scaler backoff factor must be in (0, 1), got %g", config.BackoffFactor)
		}
		if config.GrowthInterval <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "scaler growth interval must be positive, got %d", config.GrowthInterval)
		}
	}

	scale := 1.0
	if config.Enabled {
		scale = config.InitScale
	}
	return &GradScaler{
		config: config,
		scale:  scale,
		logger: log.New(io.Discard, "", 0),
	}, nil
}

// SetLogger routes overflow messages to l.
func (s *GradScaler) SetLogger(l *log.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *GradScaler) Enabled() bool {
	return s.config.Enabled
}

// GetScale returns the current loss scale (1 when disabled)
func (s *GradScaler) GetScale() float64 {
	return s.scale
}

// Scale returns loss multiplied by the current scale.
func (s *GradScaler) Scale(loss float64) float64 {
	if !s.config.Enabled {
		return loss
	}
	return loss * s.scale
}

// ScaleGradient multiplies the backward seed in place.
func (s *GradScaler) ScaleGradient(grad *tensor.Tensor) {
	if !s.config.Enabled || grad == nil {
		return
	}
	blas32.Scal(float32(s.scale), blas32.Vector{N: len(grad.Data), Data: grad.Data, Inc: 1})
}

// Step unscales the gradients of opt's parameters and applies the update if
// every gradient is finite. Otherwise the update is skipped, the parameters
// are left untouched and the scale is reduced. An overflow is not an error.
func (s *GradScaler) Step(opt optimizer.Optimizer) error {
	if !s.config.Enabled {
		return opt.Step()
	}

	s.stats.Steps++
	inv := float32(1 / s.scale)
	finite := true
	for _, p := range opt.Parameters() {
		if p.Grad == nil {
			continue
		}
		blas32.Scal(inv, blas32.Vector{N: len(p.Grad.Data), Data: p.Grad.Data, Inc: 1})
		if finite && !allFinite(p.Grad.Data) {
			finite = false
		}
	}

	if !finite {
		old := s.scale
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		s.skippedLast = true
		s.stats.SkippedSteps++
		s.logger.Printf("debug: non-finite gradients at scale %g, skipping update (scale now %g)", old, s.scale)
		return nil
	}

	s.skippedLast = false
	return opt.Step()
}

// Update grows the scale after GrowthInterval consecutive finite steps.
func (s *GradScaler) Update() {
	if !s.config.Enabled {
		return
	}
	if s.skippedLast {
		s.skippedLast = false
		return
	}

	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		next := s.scale * s.config.GrowthFactor
		if !math.IsInf(next, 0) && next <= math.MaxFloat32 {
			s.scale = next
			s.stats.Growths++
		}
		s.growthTracker = 0
	}
}

// Stats returns a snapshot of the scaler counters
func (s *GradScaler) Stats() GradScalerStats {
	stats := s.stats
	stats.Scale = s.scale
	return stats
}

func allFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
