// Package remote defines the remote store contract consumed by the sync
// engine, and an HTTP implementation of it.
//
// The remote store accepts one operation at a time and reports either
// success or a classified failure (transient vs permanent). Applies are
// idempotent per operation ID: the HTTP implementation sends the operation
// ID as an Idempotency-Key header so that a retry after a lost response
// cannot double-apply a mutation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
)

// Store is the remote side of the sync protocol.
type Store interface {
	// Apply sends a single operation to the remote store. A nil return
	// means the mutation is durably applied. Failures are classified via
	// IsTransient / IsPermanent.
	Apply(ctx context.Context, o *op.Operation) error

	// Ping performs a control-plane round trip confirming service
	// availability, not just link-layer reachability. The connectivity
	// monitor uses it as its probe.
	Ping(ctx context.Context) error
}

// HTTPConfig configures the HTTP remote store.
type HTTPConfig struct {
	// BaseURL of the sync service, e.g. "https://sync.mytasks.app".
	BaseURL string

	// RequestTimeout bounds a single Apply/Ping round trip (default: 15s).
	RequestTimeout time.Duration

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the circuit breaker (default: 5).
	BreakerFailureThreshold uint32

	// BreakerCooldown is how long the breaker stays open before probing
	// again (default: 30s).
	BreakerCooldown time.Duration

	// Logger for breaker state changes (default: stderr logger).
	Logger *log.Logger
}

// DefaultHTTPConfig returns sensible defaults for the given base URL.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:                 baseURL,
		RequestTimeout:          15 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
	}
}

// HTTPStore talks to the sync service over HTTP with an idempotency key
// per operation and a circuit breaker around all calls. While the breaker
// is open, calls fail fast with a transient classification so the queue
// backs off instead of hammering a struggling service.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewHTTPStore creates an HTTP remote store.
func NewHTTPStore(config HTTPConfig) (*HTTPStore, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.BreakerFailureThreshold == 0 {
		config.BreakerFailureThreshold = 5
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	threshold := config.BreakerFailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sync-remote",
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Permanent rejections are the server doing its job; they
			// must not open the breaker.
			return err == nil || IsPermanent(err)
		},
	})

	return &HTTPStore{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: config.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Apply implements Store.Apply.
func (s *HTTPStore) Apply(ctx context.Context, o *op.Operation) error {
	if err := o.Validate(); err != nil {
		return NewPermanent(fmt.Errorf("invalid operation: %w", err))
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.apply(ctx, o)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return NewTransient(err)
	}
	return err
}

func (s *HTTPStore) apply(ctx context.Context, o *op.Operation) error {
	body, err := json.Marshal(o)
	if err != nil {
		return NewPermanent(fmt.Errorf("failed to marshal operation: %w", err))
	}

	url := fmt.Sprintf("%s/v1/sync/operations", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewPermanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return NewTransient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// Ping implements Store.Ping.
func (s *HTTPStore) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/healthz", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewPermanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return NewTransient(fmt.Errorf("ping failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Kind:       Transient,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unhealthy: status %d", resp.StatusCode),
		}
	}
	return nil
}

// classifyResponse maps an HTTP response to the failure taxonomy:
// 2xx success, 5xx and 429 transient, other 4xx permanent.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readErrorBody(resp.Body)
	kind := Permanent
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		kind = Transient
	}

	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", msg),
	}
}

// readErrorBody extracts a short error message from the response body.
// Bodies are either {"error": "..."} JSON or plain text.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "request rejected"
	}

	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(data)
}
