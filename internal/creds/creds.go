// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package creds keeps the long-lived service credential and the short-lived
// access credential for the calculation backend synchronized.
//
// The service credential is an operator-issued bearer token loaded once at
// process start and never mutated. Access credentials are derived from it on
// demand via the backend's exchange endpoint and replaced wholesale on
// refresh; at most one valid access credential exists per process.
package creds

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/logger"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// safetyMargin is how long before its expiry an access credential is
// considered stale. It avoids a race where a token expires mid-request.
const safetyMargin = 5 * time.Minute

// Credential is a short-lived access credential and its expiry instant.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Config configures a [Manager].
type Config struct {
	// BaseURL is the calculation backend base address.
	BaseURL string
	// ServiceToken is the long-lived service credential.
	ServiceToken string
	// Timeout and MaxRetries configure the exchange request policy.
	Timeout    time.Duration
	MaxRetries int
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
	// Scrubber scrubs secrets from error messages.
	Scrubber *strings.Replacer
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf

	// Sleep, if set, replaces the backoff sleep of the exchange client. Used
	// in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager owns the service credential and lazily derives access credentials
// from it. It is safe for concurrent use: simultaneous refreshes collapse
// into a single exchange call whose result all waiters share.
//
// Manager implements [client.Refresher], so the calculation client can force
// a refresh after a 401.
type Manager struct {
	exchange *client.Client
	logf     logger.Logf
	now      func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cur   *Credential
}

// NewManager returns a new Manager holding the given service credential.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		exchange: client.New(client.Config{
			Name:       "credential-exchange",
			BaseURL:    cfg.BaseURL,
			Token:      client.StaticToken(cfg.ServiceToken),
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			HTTPClient: cfg.HTTPClient,
			Scrubber:   cfg.Scrubber,
			Logf:       cfg.Logf,
			Sleep:      cfg.Sleep,
		}),
		logf: cfg.Logf,
		now:  time.Now,
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	return m
}

// Token returns a valid access token, refreshing it first if the cached one
// is absent or within the safety margin of its expiry.
//
// A failing exchange surfaces [*client.AuthError] when the service credential
// itself is rejected (fatal, operator attention needed) and the usual
// transient classifications otherwise.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if cred, ok := m.current(); ok {
		return cred.Token, nil
	}
	return m.refresh(ctx)
}

// ForceRefresh discards the cached access credential and derives a new one.
// It is invoked by the calculation client after a 401 response.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
	return m.refresh(ctx)
}

func (m *Manager) current() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.now().After(m.cur.Expiry.Add(-safetyMargin)) {
		return Credential{}, false
	}
	return *m.cur, true
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// Concurrent callers observing a stale credential share one exchange
	// call and receive the same resulting token.
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// Another waiter may have refreshed while we queued.
		if cred, ok := m.current(); ok {
			return cred.Token, nil
		}

		resp, err := client.Do[exchangeResponse](ctx, m.exchange, http.MethodPost, "/auth/service-token/refresh", nil)
		if err != nil {
			return "", err
		}

		cred := &Credential{
			Token:  resp.AccessToken,
			Expiry: m.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		}
		m.mu.Lock()
		m.cur = cred
		m.mu.Unlock()

		m.logf("creds: refreshed access credential, valid until %s", cred.Expiry.Format(time.RFC3339))
		return cred.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CheckServiceToken decodes the service credential as a JWT (without
// verifying its signature) and reports on its remaining lifetime: an error
// if it has already expired, a logged warning if it expires within a week.
// Tokens without an exp claim are treated as never expiring.
func CheckServiceToken(token string, logf logger.Logf) error {
	if logf == nil {
		logf = log.Printf
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		logf("creds: could not decode service token: %v", err)
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		logf("creds: could not determine service token expiration")
		return nil
	}

	left := time.Until(exp.Time)
	switch {
	case left <= 0:
		return fmt.Errorf("service token expired at %s", exp.Time.Format(time.RFC3339))
	case left <= 7*24*time.Hour:
		logf("creds: service token expires in %d days, consider refreshing it soon", int(left.Hours()/24))
	default:
		logf("creds: service token valid for %d days", int(left.Hours()/24))
	}
	return nil
}
