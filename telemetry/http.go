package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// HTTPConfig contains configuration for the HTTP collector client
type HTTPConfig struct {
	BaseURL         string        `json:"base_url"`
	RunID           string        `json:"run_id"`
	Timeout         time.Duration `json:"timeout"`
	RetryAttempts   uint64        `json:"retry_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	BatchSize       int           `json:"batch_size"` // pending events that trigger a send
}

// DefaultHTTPConfig returns default configuration for the collector client
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:         "http://localhost:8080",
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BatchSize:       32,
	}
}

// CollectorResponse is the body returned by the collector
type CollectorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Accepted  int    `json:"accepted,omitempty"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// EventBatch is the payload posted to /api/events
type EventBatch struct {
	RunID  string  `json:"run_id"`
	Events []Event `json:"events"`
}

// HTTPSink posts events to a collector in batches. Failed requests are
// retried with exponential backoff; a batch that still fails is dropped and
// counted.
type HTTPSink struct {
	config HTTPConfig
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	pending []Event
	sent    int
	dropped int
}

// NewHTTPSink creates a client for the collector at config.BaseURL.
func NewHTTPSink(config HTTPConfig) (*HTTPSink, error) {
	if config.BaseURL == "" {
		return nil, errors.New("collector base URL is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPSink{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		now:    time.Now,
	}, nil
}

func (s *HTTPSink) AddScalars(tag string, values map[string]float64, step int) error {
	return s.add(scalarEvent(s.config.RunID, tag, values, step, s.now()))
}

func (s *HTTPSink) AddText(tag, text string, step int) error {
	return s.add(textEvent(s.config.RunID, tag, text, step, s.now()))
}

func (s *HTTPSink) add(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, e)
	if len(s.pending) < s.config.BatchSize {
		return nil
	}
	return s.flushLocked(context.Background())
}

// Flush sends every pending event.
func (s *HTTPSink) Flush() error {
	return s.FlushContext(context.Background())
}

// FlushContext is Flush with a context bounding the retries.
func (s *HTTPSink) FlushContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *HTTPSink) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	events := s.pending
	s.pending = nil

	var resp CollectorResponse
	err := s.postWithRetry(ctx, "/api/events", EventBatch{RunID: s.config.RunID, Events: events}, &resp)
	if err != nil {
		s.dropped += len(events)
		return errors.Wrapf(err, "send %d events", len(events))
	}
	s.sent += len(events)
	return nil
}

// Stats reports how many events were delivered, dropped and still pending.
func (s *HTTPSink) Stats() (sent, dropped, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped, len(s.pending)
}

// SendPlot posts plot data to the collector's plot endpoint.
func (s *HTTPSink) SendPlot(ctx context.Context, plot PlotData) (*CollectorResponse, error) {
	var resp CollectorResponse
	if err := s.postWithRetry(ctx, "/api/plot", plot, &resp); err != nil {
		return &resp, errors.Wrapf(err, "send %s plot", plot.PlotType)
	}
	return &resp, nil
}

// CheckHealth checks if the collector is available
func (s *HTTPSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "create health check request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.config.InitialInterval > 0 {
		b.InitialInterval = s.config.InitialInterval
	}
	if s.config.MaxInterval > 0 {
		b.MaxInterval = s.config.MaxInterval
	}
	b.MaxElapsedTime = 0 // bounded by the retry count instead
	return backoff.WithContext(backoff.WithMaxRetries(b, s.config.RetryAttempts), ctx)
}

// postWithRetry posts body as JSON and decodes the reply into out. Transport
// errors, 429 and 5xx responses are retried; other failures are permanent.
func (s *HTTPSink) postWithRetry(ctx context.Context, path string, body interface{}, out *CollectorResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	op := func() error {
		status, err := s.post(ctx, path, payload, out)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK || status == http.StatusAccepted || status == http.StatusCreated:
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("collector returned status %d: %s", status, out.Message)
		default:
			return backoff.Permanent(fmt.Errorf("collector returned status %d: %s", status, out.Message))
		}
	}
	return backoff.Retry(op, s.newBackOff(ctx))
}

func (s *HTTPSink) post(ctx context.Context, path string, payload []byte, out *CollectorResponse) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-finetune-telemetry")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read response body")
	}
	*out = CollectorResponse{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, backoff.Permanent(errors.Wrap(err, "parse response JSON"))
		}
	}
	return resp.StatusCode, nil
}
