// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package chartimg renders transit charts through the chart rendering
// service. The whole integration is optional: the bot works without a
// configured renderer, it just answers with text only.
package chartimg

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/nocturna"
)

// Client renders chart images through a shared retrying executor.
type Client struct {
	api *client.Client
}

// NewClient returns a Client on top of the given executor.
func NewClient(api *client.Client) *Client { return &Client{api: api} }

// planetSet converts positions to the renderer's planet map, keyed by
// lowercased planet name.
func planetSet(positions []nocturna.Position) map[string]map[string]float64 {
	set := make(map[string]map[string]float64, len(positions))
	for _, p := range positions {
		set[strings.ToLower(p.Planet)] = map[string]float64{
			"lon": p.Longitude,
			"lat": p.Latitude,
		}
	}
	return set
}

func houseSet(houses []nocturna.House) []map[string]float64 {
	set := make([]map[string]float64, 0, len(houses))
	for _, h := range houses {
		set = append(set, map[string]float64{"lon": h.Longitude})
	}
	return set
}

func aspectTypes() map[string]any {
	return map[string]any{
		"conjunction": map[string]bool{"enabled": true},
		"opposition":  map[string]bool{"enabled": true},
		"trine":       map[string]bool{"enabled": true},
		"square":      map[string]bool{"enabled": true},
		"sextile":     map[string]bool{"enabled": true},
	}
}

type renderResponse struct {
	Data struct {
		Image string `json:"image"` // base64
		Size  int    `json:"size"`
	} `json:"data"`
	Meta struct {
		RenderTime int `json:"renderTime"` // milliseconds
	} `json:"meta"`
}

// RenderTransit renders a biwheel chart with the natal chart on the inner
// ring and the transit positions on the outer one. Only cross aspects
// between the rings are drawn. It returns the raw PNG bytes.
func (c *Client) RenderTransit(ctx context.Context, natalPositions []nocturna.Position, natalHouses []nocturna.House, transitPositions []nocturna.Position, transitDateTime string) ([]byte, error) {
	payload := map[string]any{
		"natal": map[string]any{
			"planets": planetSet(natalPositions),
			"houses":  houseSet(natalHouses),
		},
		"transit": map[string]any{
			"planets":  planetSet(transitPositions),
			"datetime": transitDateTime,
		},
		"aspectSettings": map[string]any{
			// Same-ring aspects clutter the biwheel, the cross aspects
			// are what the report is about.
			"natal":   map[string]any{"enabled": false, "orb": 6},
			"transit": map[string]any{"enabled": false, "orb": 6},
			"natalToTransit": map[string]any{
				"enabled": true,
				"orb":     3,
				"types":   aspectTypes(),
			},
		},
		"renderOptions": map[string]any{
			"format":  "png",
			"width":   1000,
			"height":  1000,
			"quality": 90,
			"theme":   "light",
		},
	}

	resp, err := client.Do[renderResponse](ctx, c.api, http.MethodPost, "/api/v1/chart/render/transit", payload)
	if err != nil {
		return nil, err
	}

	img, err := base64.StdEncoding.DecodeString(resp.Data.Image)
	if err != nil {
		return nil, fmt.Errorf("chart: decoding image: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("chart: renderer returned an empty image")
	}
	return img, nil
}
