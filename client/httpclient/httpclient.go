// Package httpclient is the worker side of the distributor HTTP API.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/distributor/internal/retry"
)

const (
	nextPath = "/next"

	defMaxAttempts = 5
	defBackoffBase = 200 * time.Millisecond
	defBackoffMax  = 10 * time.Second
	defTimeout     = 30 * time.Second
	maxErrorBody   = 1 << 10
)

var (
	ErrMissingWorker          = errors.New("worker id is missing")
	ErrInvalidBaseURL         = errors.New("invalid base url")
	ErrMaxAttemptsNotPositive = errors.New("max attempts must be greater than 0")
	ErrBackoffNotPositive     = errors.New("backoff must be greater than 0")
	ErrRequestRejected        = errors.New("request rejected")
	ErrServerUnavailable      = errors.New("server unavailable")
	ErrUnexpectedResponseBody = errors.New("unexpected response body")
	errRetryable              = errors.New("retryable")
)

type (
	// Client requests tasks for one worker.
	Client struct {
		next   string
		worker string
		config config
	}

	// Option is a function type that modifies the configuration of the Client.
	Option func(*config) error
	config struct {
		httpClient  *http.Client
		maxAttempts int
		backoffBase time.Duration
		backoffMax  time.Duration
	}
)

// NewClient creates a Client for the distributor at baseURL, crediting worker.
func NewClient(baseURL, worker string, opts ...Option) (*Client, error) {
	if worker == "" {
		return nil, ErrMissingWorker
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	cfg := config{
		httpClient:  &http.Client{Timeout: defTimeout},
		maxAttempts: defMaxAttempts,
		backoffBase: defBackoffBase,
		backoffMax:  defBackoffMax,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Client{
		next:   strings.TrimRight(u.String(), "/") + nextPath,
		worker: worker,
		config: cfg,
	}, nil
}

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) error {
		cfg.httpClient = c
		return nil
	}
}

// WithMaxAttempts sets how many times a request is sent before giving up.
func WithMaxAttempts(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return ErrMaxAttemptsNotPositive
		}
		cfg.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the base and maximum wait between attempts.
func WithBackoff(base, limit time.Duration) Option {
	return func(cfg *config) error {
		if base <= 0 || limit <= 0 {
			return ErrBackoffNotPositive
		}
		cfg.backoffBase = base
		cfg.backoffMax = limit
		return nil
	}
}

// Next requests one task. It returns ok false once the distributor has no
// task left. Transport errors and 5xx responses are retried; a retried
// request may have consumed a task that is then never seen by any worker.
func (c *Client) Next(ctx context.Context) (string, bool, error) {
	ctx = slogctx.With(ctx, "worker", c.worker)

	var lastErr error
	for attempt := range c.config.maxAttempts {
		if attempt > 0 {
			wait := retry.ExponentialBackoff(c.config.backoffBase, c.config.backoffMax, uint(attempt-1))
			slogctx.Debug(ctx, "retrying task request", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(wait):
			}
		}

		task, err := c.post(ctx)
		if err == nil {
			if task == nil {
				return "", false, nil
			}
			return *task, true, nil
		}
		if !errors.Is(err, errRetryable) {
			return "", false, err
		}
		lastErr = err
	}
	return "", false, fmt.Errorf("%w: after %d attempts: %w", ErrServerUnavailable, c.config.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context) (*string, error) {
	form := url.Values{"worker": {c.worker}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.next, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.config.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", errRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var task *string
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponseBody, err)
	}
	return task, nil
}
