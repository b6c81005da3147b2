// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testLogf(t *testing.T) func(format string, args ...any) {
	return func(format string, args ...any) { t.Logf(format, args...) }
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(Config{
		Name:       "calculations",
		BaseURL:    ts.URL,
		MaxRetries: 3,
		Logf:       testLogf(t),
		Sleep:      noSleep,
	})

	_, err := Do[struct{}](context.Background(), c, http.MethodGet, "/positions", nil)

	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("want *UnavailableError, got %T: %v", err, err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("made %d attempts, want maxRetries+1 = 4", got)
	}
}

func TestDoEventualSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer ts.Close()

	c := New(Config{Name: "calculations", BaseURL: ts.URL, MaxRetries: 3, Logf: testLogf(t), Sleep: noSleep})

	resp, err := Do[struct {
		OK bool `json:"ok"`
	}](context.Background(), c, http.MethodGet, "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Error("response not unmarshaled")
	}
	if calls.Load() != 3 {
		t.Errorf("made %d attempts, want 3", calls.Load())
	}
}

func TestDoZeroRetriesSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(Config{Name: "calculations", BaseURL: ts.URL, Logf: testLogf(t), Sleep: noSleep})

	_, err := Do[struct{}](context.Background(), c, http.MethodGet, "/", nil)

	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("want *UnavailableError, got %T: %v", err, err)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d attempts, want 1 (zero retries means a single attempt)", calls.Load())
	}
}

func TestDoRateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "42")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := New(Config{Name: "chart", BaseURL: ts.URL, Logf: testLogf(t), Sleep: noSleep})

	_, err := Do[struct{}](context.Background(), c, http.MethodPost, "/render", nil)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("want *RateLimitError, got %T: %v", err, err)
	}
	if rle.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", rle.RetryAfter)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d attempts, want 1 (429 must not be retried)", calls.Load())
	}
}

func TestDoValidationErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": {"message": "latitude out of range"}}`))
	}))
	defer ts.Close()

	c := New(Config{Name: "calculations", BaseURL: ts.URL, Logf: testLogf(t), Sleep: noSleep})

	_, err := Do[struct{}](context.Background(), c, http.MethodPost, "/charts", nil)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want *ValidationError, got %T: %v", err, err)
	}
	if ve.Detail != "latitude out of range" {
		t.Errorf("Detail = %q, want structured error message", ve.Detail)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d attempts, want 1 (4xx must not be retried)", calls.Load())
	}
}

// refreshingSource is a test double implementing [Refresher].
type refreshingSource struct {
	token     atomic.Value // string
	refreshes atomic.Int32
}

func (s *refreshingSource) Token(context.Context) (string, error) {
	return s.token.Load().(string), nil
}

func (s *refreshingSource) ForceRefresh(context.Context) (string, error) {
	s.refreshes.Add(1)
	s.token.Store("fresh")
	return "fresh", nil
}

func TestDoRefreshesCredentialOn401(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer ts.Close()

	src := &refreshingSource{}
	src.token.Store("stale")

	c := New(Config{Name: "calculations", BaseURL: ts.URL, Token: src, Logf: testLogf(t), Sleep: noSleep})

	resp, err := Do[struct {
		OK bool `json:"ok"`
	}](context.Background(), c, http.MethodGet, "/", nil)
	if err != nil {
		t.Fatalf("call should transparently succeed, got %v", err)
	}
	if !resp.OK {
		t.Error("response not unmarshaled")
	}
	if src.refreshes.Load() != 1 {
		t.Errorf("forced %d refreshes, want exactly 1", src.refreshes.Load())
	}
}

func TestDoPersistent401IsAuthError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	src := &refreshingSource{}
	src.token.Store("stale")

	c := New(Config{Name: "calculations", BaseURL: ts.URL, Token: src, Logf: testLogf(t), Sleep: noSleep})

	_, err := Do[struct{}](context.Background(), c, http.MethodGet, "/", nil)

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("want *AuthError, got %T: %v", err, err)
	}
	if src.refreshes.Load() != 1 {
		t.Errorf("forced %d refreshes, want exactly 1", src.refreshes.Load())
	}
	if calls.Load() != 2 {
		t.Errorf("made %d attempts, want 2 (one per credential)", calls.Load())
	}
}

func TestDoStaticTokenNever401Refreshes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := New(Config{Name: "chart", BaseURL: ts.URL, Token: StaticToken("key"), Logf: testLogf(t), Sleep: noSleep})

	_, err := Do[struct{}](context.Background(), c, http.MethodGet, "/", nil)

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("want *AuthError, got %T: %v", err, err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, backoffCap},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
