// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package chartimg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/testutil"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(client.New(client.Config{
		Name:    "chart",
		BaseURL: ts.URL,
		Token:   client.StaticToken("render-key"),
		Logf:    func(format string, args ...any) { t.Logf(format, args...) },
		Sleep:   noSleep,
	}))
}

func TestRenderTransit(t *testing.T) {
	fakePNG := []byte("\x89PNG fake image bytes")

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chart/render/transit" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer render-key" {
			t.Errorf("Authorization = %q, want bearer API key", got)
		}

		var req struct {
			Natal struct {
				Planets map[string]map[string]float64 `json:"planets"`
				Houses  []map[string]float64          `json:"houses"`
			} `json:"natal"`
			Transit struct {
				Planets  map[string]map[string]float64 `json:"planets"`
				DateTime string                        `json:"datetime"`
			} `json:"transit"`
			AspectSettings struct {
				Natal struct {
					Enabled bool `json:"enabled"`
				} `json:"natal"`
				NatalToTransit struct {
					Enabled bool `json:"enabled"`
					Orb     int  `json:"orb"`
				} `json:"natalToTransit"`
			} `json:"aspectSettings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		testutil.AssertEqual(t, req.Natal.Planets, map[string]map[string]float64{
			"sun": {"lon": 85.83, "lat": 0},
		})
		testutil.AssertEqual(t, req.Natal.Houses, []map[string]float64{{"lon": 300.32}})
		testutil.AssertEqual(t, req.Transit.Planets, map[string]map[string]float64{
			"sun": {"lon": 290.15, "lat": 0},
		})
		if req.Transit.DateTime != "2024-03-01T09:05:00" {
			t.Errorf("transit datetime = %q", req.Transit.DateTime)
		}
		if req.AspectSettings.Natal.Enabled {
			t.Error("natal ring aspects must be disabled")
		}
		if !req.AspectSettings.NatalToTransit.Enabled || req.AspectSettings.NatalToTransit.Orb != 3 {
			t.Error("cross aspects must be enabled with orb 3")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"image": base64.StdEncoding.EncodeToString(fakePNG),
				"size":  len(fakePNG),
			},
			"meta": map[string]any{"renderTime": 42},
		})
	}))

	img, err := c.RenderTransit(context.Background(),
		[]nocturna.Position{{Planet: "SUN", Longitude: 85.83}},
		[]nocturna.House{{Number: 1, Longitude: 300.32}},
		[]nocturna.Position{{Planet: "SUN", Longitude: 290.15}},
		"2024-03-01T09:05:00")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, img, fakePNG)
}

func TestRenderTransitBadImage(t *testing.T) {
	cases := map[string]string{
		"not base64":  `{"data": {"image": "%%% not base64 %%%"}}`,
		"empty image": `{"data": {"image": ""}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			if _, err := c.RenderTransit(context.Background(), nil, nil, nil, ""); err == nil {
				t.Error("expected error, got none")
			}
		})
	}
}
