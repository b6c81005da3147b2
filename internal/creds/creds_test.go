// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.nocturna.dev/bot/internal/client"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testLogf(t *testing.T) func(format string, args ...any) {
	return func(format string, args ...any) { t.Logf(format, args...) }
}

func exchangeServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/service-token/refresh" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer service-secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		// Each exchange mints a distinct token so the tests can tell
		// refreshes apart.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("access-%d", n),
			"expires_in":   3600,
		})
	}))
}

func TestTokenSingleFlight(t *testing.T) {
	var calls atomic.Int32
	ts := exchangeServer(t, &calls)
	defer ts.Close()

	m := NewManager(Config{
		BaseURL:      ts.URL,
		ServiceToken: "service-secret",
		Logf:         testLogf(t),
		Sleep:        noSleep,
	})

	const n = 20
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			if err != nil {
				t.Errorf("Token: %v", err)
				return
			}
			tokens[i] = tok
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("made %d exchange calls, want 1", got)
	}
	for i := range n {
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got token %q, caller 0 got %q; all concurrent callers must share one credential", i, tokens[i], tokens[0])
		}
	}
}

func TestTokenCachedUntilSafetyMargin(t *testing.T) {
	var calls atomic.Int32
	ts := exchangeServer(t, &calls)
	defer ts.Close()

	m := NewManager(Config{
		BaseURL:      ts.URL,
		ServiceToken: "service-secret",
		Logf:         testLogf(t),
		Sleep:        noSleep,
	})
	now := time.Now()
	m.now = func() time.Time { return now }

	first, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// 10 minutes in: well within the hour of validity.
	now = now.Add(10 * time.Minute)
	again, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Errorf("valid credential was replaced: %q != %q", again, first)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d exchange calls, want 1", calls.Load())
	}

	// 57 minutes in: less than the 5-minute margin remains.
	now = now.Add(47 * time.Minute)
	fresh, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fresh == first {
		t.Error("credential inside the safety margin was not refreshed")
	}
	if calls.Load() != 2 {
		t.Errorf("made %d exchange calls, want 2", calls.Load())
	}
}

func TestForceRefreshDiscardsCredential(t *testing.T) {
	var calls atomic.Int32
	ts := exchangeServer(t, &calls)
	defer ts.Close()

	m := NewManager(Config{
		BaseURL:      ts.URL,
		ServiceToken: "service-secret",
		Logf:         testLogf(t),
		Sleep:        noSleep,
	})

	first, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	forced, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if forced == first {
		t.Error("ForceRefresh returned the discarded credential")
	}
	if calls.Load() != 2 {
		t.Errorf("made %d exchange calls, want 2", calls.Load())
	}
}

func TestTokenRejectedServiceCredential(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	m := NewManager(Config{
		BaseURL:      ts.URL,
		ServiceToken: "revoked",
		Logf:         testLogf(t),
		Sleep:        noSleep,
	})

	_, err := m.Token(context.Background())
	var ae *client.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("want *client.AuthError, got %T: %v", err, err)
	}
}

// unverifiedJWT builds a syntactically valid JWT with the given claims and a
// garbage signature. CheckServiceToken never verifies signatures.
func unverifiedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	return header + "." + enc(claims) + ".c2ln"
}

func TestCheckServiceToken(t *testing.T) {
	cases := map[string]struct {
		token   string
		wantErr bool
	}{
		"valid for a year": {
			token: func() string {
				return unverifiedJWT(t, map[string]any{"exp": time.Now().Add(365 * 24 * time.Hour).Unix()})
			}(),
		},
		"expires tomorrow": {
			token: func() string {
				return unverifiedJWT(t, map[string]any{"exp": time.Now().Add(24 * time.Hour).Unix()})
			}(),
		},
		"already expired": {
			token: func() string {
				return unverifiedJWT(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
			}(),
			wantErr: true,
		},
		"no exp claim": {
			token: func() string {
				return unverifiedJWT(t, map[string]any{"sub": "nocturnabot"})
			}(),
		},
		"not a JWT at all": {
			token: "opaque-token",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := CheckServiceToken(tc.token, testLogf(t))
			if (err != nil) != tc.wantErr {
				t.Errorf("CheckServiceToken() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
