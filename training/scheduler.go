package training

import (
	"math"
)

// ReduceLROnPlateauScheduler reduces the learning rate once a minimised metric
// has stopped improving for more than Patience consecutive epochs.
// Improvement is relative: metric < best * (1 - Threshold).
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of non-improving epochs tolerated before a reduction
	Threshold float64 // Relative threshold for measuring the new optimum
	MinLR     float64 // Lower bound on the learning rate

	// Internal state, mutated only by Step
	bestMetric float64
	badEpochs  int
	reductions int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler in "min" mode
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold, minLR float64) *ReduceLROnPlateauScheduler {
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		MinLR:      minLR,
		bestMetric: math.Inf(1),
	}
}

// Step records one epoch's metric and returns the learning rate to use next.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if metric < s.bestMetric*(1-s.Threshold) {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	if s.badEpochs > s.Patience {
		s.badEpochs = 0
		newLR := math.Max(currentLR*s.Factor, s.MinLR)
		// Changes below this are treated as no change
		if currentLR-newLR > 1e-8 {
			s.reductions++
			return newLR
		}
	}
	return currentLR
}

// Best returns the best metric seen so far (+Inf before the first step).
func (s *ReduceLROnPlateauScheduler) Best() float64 {
	return s.bestMetric
}

func (s *ReduceLROnPlateauScheduler) BadEpochs() int {
	return s.badEpochs
}

// Reductions counts how many times the learning rate has been lowered.
func (s *ReduceLROnPlateauScheduler) Reductions() int {
	return s.reductions
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
