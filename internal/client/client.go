// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package client implements the retrying HTTP request executor shared by all
// downstream service integrations.
//
// Each integration (calculations, chart rendering, text generation) is a
// distinct [Client] with its own base URL, bearer token source, timeout
// budget and retry schedule. Failures are classified before a retry decision
// is made: network errors and 5xx responses are retried with capped
// exponential backoff, 429 surfaces a wait hint without retrying, 401
// triggers at most one forced credential refresh, and the remaining 4xx are
// surfaced immediately as validation failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go.nocturna.dev/bot/internal/logger"
	"go.nocturna.dev/bot/internal/request"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TokenSource provides a bearer token for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Refresher is a [TokenSource] that can discard its cached credential and
// derive a new one. When a request fails with 401 and the client's token
// source implements Refresher, exactly one forced refresh and one retry with
// the new credential are performed.
type Refresher interface {
	TokenSource
	ForceRefresh(ctx context.Context) (string, error)
}

// StaticToken is a [TokenSource] returning a fixed API key.
type StaticToken string

// Token implements the [TokenSource] interface.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Config configures a [Client].
type Config struct {
	// Name identifies the service in logs, metrics and errors.
	Name string
	// BaseURL is the service base address, without a trailing slash.
	BaseURL string
	// Token is an optional bearer token source.
	Token TokenSource
	// Timeout is the per-request timeout. Defaults to 30 seconds.
	Timeout time.Duration
	// MaxRetries is the maximum number of retry attempts for retryable
	// failures; a request makes at most MaxRetries+1 attempts. Zero means a
	// single attempt, a negative value selects the default of 3.
	MaxRetries int
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
	// Scrubber scrubs secrets from error messages.
	Scrubber *strings.Replacer
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf

	// Sleep, if set, replaces the backoff sleep. Used in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client executes JSON requests against a single downstream service with
// retries. It is safe for concurrent use.
type Client struct {
	name       string
	baseURL    string
	token      TokenSource
	timeout    time.Duration
	maxRetries int
	httpc      *http.Client
	scrubber   *strings.Replacer
	logf       logger.Logf
	sleep      func(ctx context.Context, d time.Duration) error
}

// New returns a new Client based on the provided config.
func New(cfg Config) *Client {
	c := &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		httpc:      cfg.HTTPClient,
		scrubber:   cfg.Scrubber,
		logf:       cfg.Logf,
		sleep:      cfg.Sleep,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 3
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	if c.sleep == nil {
		c.sleep = sleep
	}
	return c
}

// Name returns the service name this client is configured for.
func (c *Client) Name() string { return c.name }

const backoffCap = 30 * time.Second

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * time.Second
	return min(d, backoffCap)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var attempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nocturnabot",
	Subsystem: "client",
	Name:      "attempts_total",
	Help:      "Request attempts per downstream service and outcome.",
}, []string{"service", "outcome"})

// Do executes a JSON request against the service and unmarshals the response
// into T, applying the retry policy described in the package comment.
func Do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var (
		zero      T
		lastErr   error
		refreshed bool
	)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		resp, err := doOnce[T](ctx, c, method, path, body)
		elapsed := time.Since(start).Round(time.Millisecond)

		if err == nil {
			attempts.WithLabelValues(c.name, "ok").Inc()
			c.logf("%s: %s %s: attempt %d succeeded in %s", c.name, method, path, attempt+1, elapsed)
			return resp, nil
		}
		lastErr = err

		// A failing token source surfaces its own classification (a bad
		// service credential is fatal, not retryable).
		var ae *AuthError
		if errors.As(err, &ae) {
			attempts.WithLabelValues(c.name, "auth").Inc()
			return zero, ae
		}

		var se *request.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			switch se.StatusCode {
			case http.StatusUnauthorized:
				r, ok := c.token.(Refresher)
				if !ok || refreshed {
					attempts.WithLabelValues(c.name, "auth").Inc()
					c.logf("%s: %s %s: attempt %d got 401 in %s, giving up", c.name, method, path, attempt+1, elapsed)
					return zero, &AuthError{Service: c.name, Err: err}
				}
				// One forced refresh, one extra attempt with the new credential.
				refreshed = true
				attempts.WithLabelValues(c.name, "stale_credential").Inc()
				c.logf("%s: %s %s: attempt %d got 401 in %s, refreshing credential", c.name, method, path, attempt+1, elapsed)
				if _, rerr := r.ForceRefresh(ctx); rerr != nil {
					return zero, &AuthError{Service: c.name, Err: rerr}
				}
				attempt--
				continue
			case http.StatusTooManyRequests:
				attempts.WithLabelValues(c.name, "rate_limited").Inc()
				c.logf("%s: %s %s: attempt %d rate limited in %s, retry after %s", c.name, method, path, attempt+1, elapsed, se.RetryAfter)
				return zero, &RateLimitError{Service: c.name, RetryAfter: se.RetryAfter, Err: err}
			default:
				attempts.WithLabelValues(c.name, "invalid").Inc()
				c.logf("%s: %s %s: attempt %d rejected (%d) in %s", c.name, method, path, attempt+1, se.StatusCode, elapsed)
				return zero, &ValidationError{Service: c.name, Detail: errorDetail(se.Body), Err: err}
			}
		}

		// Network failure, timeout or 5xx: retryable.
		attempts.WithLabelValues(c.name, "retryable").Inc()
		c.logf("%s: %s %s: attempt %d failed in %s: %v", c.name, method, path, attempt+1, elapsed, err)

		if attempt == c.maxRetries {
			break
		}
		if serr := c.sleep(ctx, backoff(attempt)); serr != nil {
			return zero, &TimeoutError{Service: c.name, Err: serr}
		}
	}

	attempts.WithLabelValues(c.name, "exhausted").Inc()
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return zero, &TimeoutError{Service: c.name, Err: lastErr}
	}
	return zero, &UnavailableError{Service: c.name, Err: lastErr}
}

func doOnce[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	headers := make(map[string]string)
	if c.token != nil {
		tok, err := c.token.Token(ctx)
		if err != nil {
			return zero, err
		}
		headers["Authorization"] = "Bearer " + tok
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return request.Make[T](rctx, request.Params{
		Method:     method,
		URL:        c.baseURL + path,
		Headers:    headers,
		Body:       body,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
}

// errorDetail extracts a human-readable message from a structured error
// response body, falling back to the raw body.
func errorDetail(body []byte) string {
	var detail struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Error != nil {
		switch e := detail.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
		return fmt.Sprintf("%v", detail.Error)
	}
	return strings.TrimSpace(string(body))
}
