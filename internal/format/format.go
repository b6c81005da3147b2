// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package format renders astrological data as Telegram HTML messages.
//
// All output is deterministic: the same positions and aspects always produce
// byte-identical text. Anything non-deterministic (generated readings) is
// appended by the caller, never produced here.
package format

import (
	"fmt"
	"strings"

	"go.nocturna.dev/bot/internal/nocturna"
)

// maxReportAspects bounds how many aspects a transit report lists.
const maxReportAspects = 10

var aspectSymbols = map[string]string{
	"CONJUNCTION": "☌",
	"OPPOSITION":  "☍",
	"TRINE":       "△",
	"SQUARE":      "□",
	"SEXTILE":     "⚹",
	"QUINCUNX":    "⚻",
	"QUINTILE":    "Q",
}

// Name converts an upper-case identifier from the calculation backend
// ("SUN", "CONJUNCTION") to a display name ("Sun", "Conjunction").
func Name(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}

// AspectSymbol returns the astrological glyph for an aspect type, or the
// empty string if there is none.
func AspectSymbol(aspectType string) string {
	return aspectSymbols[strings.ToUpper(aspectType)]
}

// Position renders a single planetary position, e.g. "Sun in Gemini 25°49′".
func Position(p nocturna.Position) string {
	s := fmt.Sprintf("%s in %s %d°%02d′", Name(p.Planet), Name(p.Sign), p.Degree, p.Minute)
	if p.IsRetrograde {
		s += " ℞"
	}
	return s
}

// Positions renders a planetary position list as an HTML message.
func Positions(positions []nocturna.Position) string {
	if len(positions) == 0 {
		return "No position data available."
	}
	var b strings.Builder
	b.WriteString("🌟 <b>Planetary positions:</b>\n\n")
	for _, p := range positions {
		b.WriteString(Position(p))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Aspect renders a single mundane aspect, e.g. "Sun ☍ Opposition Moon (orb 2.0°)".
func Aspect(a nocturna.Aspect) string {
	symbol := AspectSymbol(a.AspectType)
	if symbol != "" {
		symbol += " "
	}
	return fmt.Sprintf("%s %s%s %s (orb %.1f°)", Name(a.Planet1), symbol, Name(a.AspectType), Name(a.Planet2), a.Orb)
}

// Aspects renders a mundane aspect list as an HTML message.
func Aspects(aspects []nocturna.Aspect) string {
	if len(aspects) == 0 {
		return "No significant aspects right now."
	}
	var b strings.Builder
	b.WriteString("🔭 <b>Current aspects:</b>\n\n")
	for _, a := range aspects {
		b.WriteString(Aspect(a))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// TransitReport renders the personal transit report: the calculation moment
// followed by the cross-aspects between the transiting planets and the natal
// chart. In each aspect Planet1 is natal and Planet2 is transiting.
func TransitReport(date, time string, aspects []nocturna.Aspect) string {
	var b strings.Builder
	b.WriteString("🌟 <b>Personal transits</b>\n\n")
	fmt.Fprintf(&b, "📅 <b>Date:</b> %s\n", date)
	fmt.Fprintf(&b, "🕐 <b>Time:</b> %s\n\n", time)

	if len(aspects) == 0 {
		b.WriteString("ℹ️ No significant transit aspects to your natal chart right now.")
		return b.String()
	}

	b.WriteString("🔮 <b>Transit aspects to your natal chart:</b>\n\n")

	shown := aspects
	if len(shown) > maxReportAspects {
		shown = shown[:maxReportAspects]
	}
	var hasPhase bool
	for _, a := range shown {
		marker := ""
		if a.Applying != nil {
			hasPhase = true
			if *a.Applying {
				marker = "▶️ "
			} else {
				marker = "◀️ "
			}
		}
		fmt.Fprintf(&b, "  %s<b>%s</b> (transit) %s natal <b>%s</b>\n", marker, Name(a.Planet2), Name(a.AspectType), Name(a.Planet1))
		fmt.Fprintf(&b, "      Orb: %.1f°\n\n", a.Orb)
	}

	if rest := len(aspects) - maxReportAspects; rest > 0 {
		fmt.Fprintf(&b, "\n<i>... and %d more aspects</i>\n", rest)
	}
	if hasPhase {
		b.WriteString("\n💡 <i>▶️ the aspect is applying, ◀️ the aspect is separating</i>")
	}
	return b.String()
}
