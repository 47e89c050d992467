package telemetry

import (
	"fmt"
	"strings"
)

// Multi fans every call out to each sink. All sinks are called even when
// some fail.
type Multi []Sink

func (m Multi) AddScalars(tag string, values map[string]float64, step int) error {
	return m.each(func(s Sink) error { return s.AddScalars(tag, values, step) })
}

func (m Multi) AddText(tag, text string, step int) error {
	return m.each(func(s Sink) error { return s.AddText(tag, text, step) })
}

func (m Multi) Flush() error {
	return m.each(Sink.Flush)
}

func (m Multi) each(call func(Sink) error) error {
	var errs MultiError
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := call(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// MultiError collects the failures of several sinks.
type MultiError []error

func (e MultiError) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d telemetry sinks failed: %s", len(e), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e
}
