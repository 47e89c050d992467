package telemetry

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FileSink appends one JSON object per event to a file. Writes are buffered
// until Flush.
type FileSink struct {
	mu    sync.Mutex
	path  string
	runID string
	f     *os.File
	w     *bufio.Writer
	enc   *json.Encoder
	now   func() time.Time
}

// NewFileSink opens path for appending, creating it and its directory.
func NewFileSink(path, runID string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create telemetry directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open telemetry file")
	}
	w := bufio.NewWriter(f)
	return &FileSink{
		path:  path,
		runID: runID,
		f:     f,
		w:     w,
		enc:   json.NewEncoder(w),
		now:   time.Now,
	}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) AddScalars(tag string, values map[string]float64, step int) error {
	return s.write(scalarEvent(s.runID, tag, values, step, s.now()))
}

func (s *FileSink) AddText(tag, text string, step int) error {
	return s.write(textEvent(s.runID, tag, text, step, s.now()))
}

func (s *FileSink) write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.Errorf("telemetry file %s is closed", s.path)
	}
	if err := s.enc.Encode(e); err != nil {
		return errors.Wrapf(err, "write %s event %q", e.Kind, e.Tag)
	}
	return nil
}

// Flush writes buffered events and syncs the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileSink) flushLocked() error {
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "flush telemetry file")
	}
	return errors.Wrap(s.f.Sync(), "sync telemetry file")
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.flushLocked()
	if cerr := s.f.Close(); err == nil {
		err = errors.Wrap(cerr, "close telemetry file")
	}
	s.f = nil
	return err
}

// ReadEvents decodes a JSON Lines event stream.
func ReadEvents(r io.Reader) ([]Event, error) {
	dec := json.NewDecoder(r)
	var events []Event
	for {
		var e Event
		err := dec.Decode(&e)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, errors.Wrapf(err, "decode event %d", len(events))
		}
		events = append(events, e)
	}
}
