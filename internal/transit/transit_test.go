// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.nocturna.dev/bot/internal/chartimg"
	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/interp"
	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/profile"
	"go.nocturna.dev/bot/internal/store"
	"go.nocturna.dev/bot/internal/testutil"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testLogf(t *testing.T) func(format string, args ...any) {
	return func(format string, args ...any) { t.Logf(format, args...) }
}

// calcBackend is a scripted calculation backend double.
type calcBackend struct {
	t *testing.T

	requests atomic.Int32
	charts   atomic.Int32
	deletes  atomic.Int32

	transitSunLongitude float64
	synastryAspects     []nocturna.Aspect
}

func (b *calcBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /charts", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		id := b.charts.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("chart-%d", id)})
	})
	mux.HandleFunc("DELETE /charts/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		b.deletes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /calculations/planetary-positions", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []nocturna.Position{
				{Planet: "SUN", Sign: "CAPRICORN", Degree: 20, Minute: 9, Longitude: b.transitSunLongitude},
			},
		})
	})
	mux.HandleFunc("POST /calculations/houses", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"houses": []nocturna.House{{Number: 1, Longitude: 300.32}},
		})
	})
	mux.HandleFunc("POST /charts/{id}/synastry", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"aspects": b.synastryAspects})
	})
	return mux
}

func testService(t *testing.T, cfg Config, backend *calcBackend) *Service {
	t.Helper()
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)
	cfg.Calc = nocturna.NewClient(client.New(client.Config{
		Name:    "calculations",
		BaseURL: ts.URL,
		Token:   client.StaticToken("access"),
		Logf:    testLogf(t),
		Sleep:   noSleep,
	}))
	if cfg.Logf == nil {
		cfg.Logf = testLogf(t)
	}
	return NewService(cfg)
}

func storedProfile(t *testing.T, profiles *profile.Store) {
	t.Helper()
	if err := profiles.Set(context.Background(), &profile.Profile{
		UserID:    42,
		BirthDate: "1990-06-15",
		BirthTime: "14:30:00",
		Latitude:  55.75,
		Longitude: 37.61,
		Timezone:  "UTC",
		NatalPositions: []nocturna.Position{
			{Planet: "SUN", Sign: "GEMINI", Degree: 25, Minute: 49, Longitude: 85.83},
		},
		NatalHouses: []nocturna.House{{Number: 1, Longitude: 300.32}},
	}); err != nil {
		t.Fatal(err)
	}
}

func applying(v bool) *bool { return &v }

func TestComputePersonalTransit(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	storedProfile(t, profiles)

	backend := &calcBackend{
		t:                   t,
		transitSunLongitude: 290.15,
		synastryAspects: []nocturna.Aspect{
			{Planet1: "SUN", Planet2: "SUN", AspectType: "OPPOSITION", Orb: 2.0, Applying: applying(true)},
		},
	}
	s := testService(t, Config{Profiles: profiles}, backend)

	res, err := s.ComputePersonalTransit(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}

	// The synastry aspect must surface in the textual summary.
	testutil.AssertStrContains(t, res.Summary, "<b>Sun</b> (transit) Opposition natal <b>Sun</b>")
	testutil.AssertStrContains(t, res.Summary, "Orb: 2.0°")

	testutil.AssertEqual(t, res.Snapshot.Aspects, backend.synastryAspects)
	if res.Image != nil {
		t.Error("image present although no renderer is configured")
	}
	if res.Reading != "" {
		t.Error("reading present although no generator is configured")
	}
	// Both short-lived charts must be cleaned up.
	if got := backend.deletes.Load(); got != 2 {
		t.Errorf("deleted %d charts, want 2", got)
	}
}

func TestComputePersonalTransitNoProfile(t *testing.T) {
	backend := &calcBackend{t: t}
	s := testService(t, Config{Profiles: profile.NewStore(store.NewMemStore())}, backend)

	_, err := s.ComputePersonalTransit(context.Background(), 42)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("want profile.ErrNotFound, got %v", err)
	}
	// A missing profile must be detected before any network traffic.
	if got := backend.requests.Load(); got != 0 {
		t.Errorf("made %d backend requests, want 0", got)
	}
}

func TestComputePersonalTransitIdempotent(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	storedProfile(t, profiles)

	backend := &calcBackend{
		t:                   t,
		transitSunLongitude: 290.15,
		synastryAspects: []nocturna.Aspect{
			{Planet1: "SUN", Planet2: "SUN", AspectType: "OPPOSITION", Orb: 2.0},
		},
	}
	fixed := time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)
	s := testService(t, Config{Profiles: profiles, Now: func() time.Time { return fixed }}, backend)

	first, err := s.ComputePersonalTransit(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ComputePersonalTransit(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, first.Snapshot, second.Snapshot)
	testutil.AssertEqual(t, first.Summary, second.Summary)
}

func TestComputePersonalTransitChartFailureIsAbsorbed(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	storedProfile(t, profiles)

	backend := &calcBackend{t: t, transitSunLongitude: 290.15}
	renderer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer renderer.Close()

	s := testService(t, Config{
		Profiles: profiles,
		Chart: chartimg.NewClient(client.New(client.Config{
			Name:    "chart",
			BaseURL: renderer.URL,
			Token:   client.StaticToken("key"),
			Logf:    testLogf(t),
			Sleep:   noSleep,
		})),
	}, backend)

	res, err := s.ComputePersonalTransit(context.Background(), 42)
	if err != nil {
		t.Fatalf("renderer failure must not fail the command: %v", err)
	}
	if res.Image != nil {
		t.Error("image present although rendering failed")
	}
	if res.Summary == "" {
		t.Error("summary missing")
	}
}

func TestComputePersonalTransitEnrichment(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	storedProfile(t, profiles)

	backend := &calcBackend{t: t, transitSunLongitude: 290.15}

	fakePNG := []byte("\x89PNG fake")
	renderer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"image": base64.StdEncoding.EncodeToString(fakePNG)},
		})
	}))
	defer renderer.Close()

	generator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "A calm day."}},
			},
		})
	}))
	defer generator.Close()

	s := testService(t, Config{
		Profiles: profiles,
		Chart: chartimg.NewClient(client.New(client.Config{
			Name: "chart", BaseURL: renderer.URL, Token: client.StaticToken("key"),
			Logf: testLogf(t), Sleep: noSleep,
		})),
		Interp: interp.New(client.New(client.Config{
			Name: "interpretation", BaseURL: generator.URL, Token: client.StaticToken("key"),
			Logf: testLogf(t), Sleep: noSleep,
		}), ""),
	}, backend)

	res, err := s.ComputePersonalTransit(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res.Image, fakePNG)
	testutil.AssertEqual(t, res.Reading, "A calm day.")
}

func TestComputePersonalTransitCalculationFailureIsFatal(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	storedProfile(t, profiles)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewService(Config{
		Profiles: profiles,
		Calc: nocturna.NewClient(client.New(client.Config{
			Name: "calculations", BaseURL: ts.URL, Token: client.StaticToken("access"),
			Logf: testLogf(t), Sleep: noSleep,
		})),
		Logf: testLogf(t),
	})

	_, err := s.ComputePersonalTransit(context.Background(), 42)
	var ue *client.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("want *client.UnavailableError, got %T: %v", err, err)
	}
}

func TestRegisterProfile(t *testing.T) {
	profiles := profile.NewStore(store.NewMemStore())
	backend := &calcBackend{t: t, transitSunLongitude: 85.83}
	s := testService(t, Config{Profiles: profiles}, backend)

	p := &profile.Profile{
		UserID:    7,
		BirthDate: "1985-01-10",
		BirthTime: "06:00:00",
		Latitude:  48.85,
		Longitude: 2.35,
		Timezone:  "Europe/Paris",
	}
	if err := s.RegisterProfile(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	got, err := profiles.Get(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.NatalPositions) == 0 || len(got.NatalHouses) == 0 {
		t.Error("natal baseline not cached on registration")
	}
}

func TestCurrentPositions(t *testing.T) {
	backend := &calcBackend{t: t, transitSunLongitude: 290.15}
	s := testService(t, Config{
		Profiles: profile.NewStore(store.NewMemStore()),
		Latitude: 55.75, Longitude: 37.61, Timezone: "UTC",
	}, backend)

	positions, err := s.CurrentPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Planet != "SUN" {
		t.Errorf("positions = %+v", positions)
	}
}
