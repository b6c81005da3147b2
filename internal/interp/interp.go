// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package interp generates narrative readings of transit data through an
// OpenRouter-compatible chat completion endpoint. Like chart rendering, the
// whole integration is optional.
package interp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/nocturna"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "anthropic/claude-3.5-sonnet"

const systemPrompt = `You are an experienced astrologer with deep knowledge of Western astrology.
Your task is to give a short but substantial reading of the current planetary
transits against a person's natal chart, focused on everyday life.

Your reading must:
- Be written in plain English, understandable without astrological jargon.
- Focus on practical influence on daily life.
- Stay positive but realistic.
- Be short, at most 400 words.
- Highlight the most significant influences first.
- Use NO headings and NO Markdown formatting, only plain paragraphs.

Structure: overall tone of the period, relationships and communication, work
and finances, emotional state, and one short practical recommendation.`

// Interpreter turns transit data into prose.
type Interpreter struct {
	api   *client.Client
	model string
}

// New returns an Interpreter using the given executor and model. An empty
// model selects [DefaultModel].
func New(api *client.Client, model string) *Interpreter {
	if model == "" {
		model = DefaultModel
	}
	return &Interpreter{api: api, model: model}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// TransitReading generates a reading for the given transit positions and
// cross-aspects to the natal chart.
func (i *Interpreter) TransitReading(ctx context.Context, positions []nocturna.Position, aspects []nocturna.Aspect) (string, error) {
	var b strings.Builder
	b.WriteString("Interpret the following astrological picture.\n\nCurrent planetary positions:\n")
	b.WriteString(positionsPrompt(positions))
	b.WriteString("\nTransit aspects to the natal chart:\n")
	b.WriteString(aspectsPrompt(aspects))

	resp, err := client.Do[completionResponse](ctx, i.api, http.MethodPost, "/chat/completions", completionRequest{
		Model: i.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.7,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("interpretation: response contains no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("interpretation: response is empty")
	}
	return text, nil
}

func positionsPrompt(positions []nocturna.Position) string {
	if len(positions) == 0 {
		return "- none\n"
	}
	var b strings.Builder
	for _, p := range positions {
		retrograde := ""
		if p.IsRetrograde {
			retrograde = " (retrograde)"
		}
		fmt.Fprintf(&b, "- %s in %s %d°%02d'%s\n", p.Planet, p.Sign, p.Degree, p.Minute, retrograde)
	}
	return b.String()
}

func aspectsPrompt(aspects []nocturna.Aspect) string {
	if len(aspects) == 0 {
		return "- no significant aspects\n"
	}
	var b strings.Builder
	for _, a := range aspects {
		phase := ""
		if a.Applying != nil {
			if *a.Applying {
				phase = ", applying"
			} else {
				phase = ", separating"
			}
		}
		fmt.Fprintf(&b, "- transit %s %s natal %s (orb %.1f°%s)\n", a.Planet2, strings.ToLower(a.AspectType), a.Planet1, a.Orb, phase)
	}
	return b.String()
}
