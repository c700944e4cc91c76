package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps upstream payloads.
const maxBodyBytes = 32 << 20

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// ErrCircuitOpen is returned while a source's breaker is refusing calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Source is an outbound HTTP endpoint family guarded by a circuit breaker.
// Each call is bounded by timeout and is never retried.
type Source struct {
	name    string
	client  *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewSource(name string, client *http.Client, timeout time.Duration) *Source {
	if client == nil {
		client = NewClient()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Source{
		name:    name,
		client:  client,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    10 * time.Minute,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *Source) Name() string { return s.name }

// Get fetches url. On a non-2xx status the returned Response still carries
// the status code alongside a *StatusError.
func (s *Source) Get(ctx context.Context, url string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var status int
	result, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", "airwatch/1.0")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", s.name, ErrCircuitOpen)
		}
		return &Response{StatusCode: status}, err
	}
	return &Response{StatusCode: status, Body: result.([]byte)}, nil
}
