// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package nocturna implements a client for the Nocturna calculation backend.
//
// The backend answers in two shapes: some deployments wrap payloads in a
// {"success": ..., "data": ...} envelope, others return the payload directly.
// This client accepts both.
package nocturna

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/request"
)

// majorPlanets are the bodies requested from every calculation endpoint.
var majorPlanets = []string{
	"SUN", "MOON", "MERCURY", "VENUS", "MARS",
	"JUPITER", "SATURN", "URANUS", "NEPTUNE", "PLUTO",
}

// majorAspects are the five Ptolemaic aspects considered in comparisons.
var majorAspects = []string{"CONJUNCTION", "OPPOSITION", "TRINE", "SQUARE", "SEXTILE"}

// Position is a single body's place on the ecliptic at some moment.
type Position struct {
	Planet       string  `json:"planet"`
	Sign         string  `json:"sign"`
	Degree       int     `json:"degree"`
	Minute       int     `json:"minute"`
	Longitude    float64 `json:"longitude"`
	Latitude     float64 `json:"latitude"`
	Speed        float64 `json:"speed"`
	IsRetrograde bool    `json:"is_retrograde"`
}

// House is a single house cusp.
type House struct {
	Number    int     `json:"number"`
	Sign      string  `json:"sign"`
	Longitude float64 `json:"longitude"`
}

// Aspect is an angular relationship between two bodies. In synastry results
// Planet1 belongs to the base (natal) chart and Planet2 to the target
// (transit) chart.
type Aspect struct {
	Planet1    string  `json:"planet1"`
	Planet2    string  `json:"planet2"`
	AspectType string  `json:"aspect_type"`
	Orb        float64 `json:"orb"`
	// Applying is nil when the backend can't tell whether the aspect is
	// forming or separating.
	Applying *bool `json:"applying"`
}

// Moment is a fully qualified instant and place for a calculation.
type Moment struct {
	Date      string // YYYY-MM-DD
	Time      string // HH:MM:SS
	Latitude  float64
	Longitude float64
	Timezone  string // IANA name, e.g. "Europe/Moscow"
}

// MomentAt derives a Moment from t at the given location.
func MomentAt(t time.Time, latitude, longitude float64, timezone string) Moment {
	return Moment{
		Date:      t.Format("2006-01-02"),
		Time:      t.Format("15:04:05"),
		Latitude:  latitude,
		Longitude: longitude,
		Timezone:  timezone,
	}
}

// Client calls the calculation backend through a shared retrying executor.
type Client struct {
	api *client.Client
}

// NewClient returns a Client on top of the given executor.
func NewClient(api *client.Client) *Client { return &Client{api: api} }

// defaultChartConfig is required by the chart creation endpoint.
var defaultChartConfig = map[string]any{
	"house_system": "placidus",
	"aspects":      []string{"conjunction", "opposition", "trine", "square", "sextile"},
	"orbs": map[string]int{
		"conjunction": 8,
		"opposition":  8,
		"trine":       6,
		"square":      6,
		"sextile":     4,
	},
}

// CreateChart creates a chart resource for the given moment and returns its
// ID. Charts are short-lived on the backend; callers recreate them per
// request and delete them when done.
func (c *Client) CreateChart(ctx context.Context, m Moment) (string, error) {
	resp, err := call[struct {
		ID string `json:"id"`
	}](ctx, c, http.MethodPost, "/charts", map[string]any{
		"date":      m.Date + "T" + m.Time,
		"latitude":  m.Latitude,
		"longitude": m.Longitude,
		"timezone":  m.Timezone,
		"config":    defaultChartConfig,
	})
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("calculations: chart created without an ID")
	}
	return resp.ID, nil
}

// DeleteChart removes a chart resource. Cleanup is best-effort; callers are
// expected to log the error and move on.
func (c *Client) DeleteChart(ctx context.Context, chartID string) error {
	_, err := client.Do[request.IgnoreResponse](ctx, c.api, http.MethodDelete, "/charts/"+chartID, nil)
	return err
}

// PlanetaryPositions calculates positions for the major planets at m.
func (c *Client) PlanetaryPositions(ctx context.Context, m Moment) ([]Position, error) {
	resp, err := call[struct {
		Positions []Position `json:"positions"`
	}](ctx, c, http.MethodPost, "/calculations/planetary-positions", map[string]any{
		"date":               m.Date,
		"time":               m.Time,
		"latitude":           m.Latitude,
		"longitude":          m.Longitude,
		"timezone":           m.Timezone,
		"planets":            majorPlanets,
		"include_retrograde": true,
		"include_speed":      true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// Houses calculates Placidus house cusps at m.
func (c *Client) Houses(ctx context.Context, m Moment) ([]House, error) {
	resp, err := call[struct {
		Houses []House `json:"houses"`
	}](ctx, c, http.MethodPost, "/calculations/houses", map[string]any{
		"date":           m.Date,
		"time":           m.Time,
		"latitude":       m.Latitude,
		"longitude":      m.Longitude,
		"timezone":       m.Timezone,
		"house_system":   "PLACIDUS",
		"include_angles": true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Houses, nil
}

// Aspects calculates aspects between the major planets at m.
func (c *Client) Aspects(ctx context.Context, m Moment) ([]Aspect, error) {
	resp, err := call[struct {
		Aspects []Aspect `json:"aspects"`
	}](ctx, c, http.MethodPost, "/calculations/aspects", map[string]any{
		"date":           m.Date,
		"time":           m.Time,
		"latitude":       m.Latitude,
		"longitude":      m.Longitude,
		"timezone":       m.Timezone,
		"planets":        majorPlanets,
		"aspects":        majorAspects,
		"orb_multiplier": 1.0,
	})
	if err != nil {
		return nil, err
	}
	return resp.Aspects, nil
}

// Synastry compares chart chartID against targetChartID and returns the
// cross-aspects between them.
func (c *Client) Synastry(ctx context.Context, chartID, targetChartID string) ([]Aspect, error) {
	resp, err := call[struct {
		Aspects []Aspect `json:"aspects"`
	}](ctx, c, http.MethodPost, "/charts/"+chartID+"/synastry", map[string]any{
		"target_chart_id": targetChartID,
		"aspects":         majorAspects,
		"orb_multiplier":  1.0,
	})
	if err != nil {
		return nil, err
	}
	return resp.Aspects, nil
}

// call executes a request and unwraps the optional response envelope.
func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	raw, err := client.Do[json.RawMessage](ctx, c.api, method, path, body)
	if err != nil {
		return zero, err
	}
	return unwrap[T](raw)
}

func unwrap[T any](raw json.RawMessage) (T, error) {
	var zero T

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil {
		if !*envelope.Success {
			return zero, fmt.Errorf("calculations: %s", envelopeError(envelope.Error))
		}
		raw = envelope.Data
	}

	var v T
	if len(raw) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("calculations: unmarshaling response: %w", err)
	}
	return v, nil
}

func envelopeError(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return "unknown error"
}
