// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Nocturnabot is a Telegram bot that computes personal astrological transits.

Users register their birth data once with /setbirth; after that /transit
compares the current sky against their natal chart and replies with the
cross-aspects, optionally enriched with a rendered biwheel chart and a
generated reading. /planets and /aspects answer with the current sky without
a profile.

The bot talks to three downstream services: the Nocturna calculation backend
(required), a chart rendering service (optional) and an OpenRouter-compatible
text generation endpoint (optional). Failures of the optional services never
fail a command, the reply just has less in it.

# Usage

	$ nocturnabot [flags...]

Configuration is read from the environment (and an optional .env file in the
working directory):

	TELEGRAM_TOKEN          Telegram Bot API token. Required.
	BOT_MODE                "polling" (default) or "webhook".
	HOST                    Public HTTPS host, webhook mode only.
	TG_SECRET               Webhook shared secret, webhook mode only.
	ADDR                    Address for the HTTP server (default "localhost:3000").
	NOCTURNA_URL            Calculation backend base URL. Required.
	NOCTURNA_SERVICE_TOKEN  Long-lived service credential. Required.
	NOCTURNA_TIMEOUT        Per-request timeout (default 30s).
	NOCTURNA_MAX_RETRIES    Retry attempts for transient failures (default 3).
	CHART_URL               Chart renderer base URL. Optional.
	CHART_API_KEY           Chart renderer API key. Set together with CHART_URL.
	OPENROUTER_API_KEY      Text generation API key. Optional.
	OPENROUTER_URL          Text generation base URL.
	OPENROUTER_MODEL        Model for generated readings.
	DATABASE_URL            PostgreSQL connection string for profile storage.
	PROFILES_FILE           JSON file path for profile storage. Mutually
	                        exclusive with DATABASE_URL; with neither set
	                        profiles are kept in memory.
	DEFAULT_LATITUDE        Default location for /planets and /aspects.
	DEFAULT_LONGITUDE
	DEFAULT_TIMEZONE
	WEBHOOK_CONCURRENCY     Concurrent update processing bound (default 16).

The HTTP server always exposes /health and /metrics; in webhook mode it also
receives Telegram updates on /telegram.
*/
package main

import (
	_ "embed"

	"go.nocturna.dev/bot/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
