// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package client

import (
	"fmt"
	"time"
)

// AuthError indicates that the credential used for a service is invalid and
// an operator has to intervene. It is fatal to the affected command.
type AuthError struct {
	Service string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Service, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError indicates malformed request data. It is never retried.
type ValidationError struct {
	Service string
	// Detail is the structured error detail from the response body, if any.
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: invalid request: %s", e.Service, e.Detail)
	}
	return fmt.Sprintf("%s: invalid request: %v", e.Service, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RateLimitError indicates the service asked us to slow down. It carries the
// wait hint from the Retry-After header so the caller can decide whether to
// wait or skip.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Service, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TimeoutError indicates the request kept timing out after all retry
// attempts were exhausted.
type TimeoutError struct {
	Service string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after retries: %v", e.Service, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UnavailableError indicates the service kept failing with server or
// connection errors after all retry attempts were exhausted.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: unavailable after retries: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
