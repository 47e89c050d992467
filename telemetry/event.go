// Package telemetry collects the per-epoch metrics of a training run and
// forwards them to memory, a JSON Lines file or an HTTP collector.
package telemetry

import (
	"math"
	"time"
)

// Sink is the method set every sink in this package implements.
type Sink interface {
	AddScalars(tag string, values map[string]float64, step int) error
	AddText(tag, text string, step int) error
	Flush() error
}

const (
	KindScalars = "scalars"
	KindText    = "text"
)

// Event is the serialized form of one AddScalars or AddText call.
type Event struct {
	RunID  string             `json:"run_id,omitempty"`
	Time   time.Time          `json:"time"`
	Kind   string             `json:"kind"`
	Tag    string             `json:"tag"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values,omitempty"`
	Text   string             `json:"text,omitempty"`
}

// scalarEvent copies values, leaving out NaN and Inf which JSON cannot carry.
func scalarEvent(runID, tag string, values map[string]float64, step int, now time.Time) Event {
	finite := make(map[string]float64, len(values))
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite[k] = v
	}
	return Event{RunID: runID, Time: now, Kind: KindScalars, Tag: tag, Step: step, Values: finite}
}

func textEvent(runID, tag, text string, step int, now time.Time) Event {
	return Event{RunID: runID, Time: now, Kind: KindText, Tag: tag, Step: step, Text: text}
}
