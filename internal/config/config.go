// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config loads and validates the bot configuration from the
// environment. Every recognized setting is a field here; nothing is read
// from the environment anywhere else.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Mode selects how the bot receives updates.
type Mode string

const (
	// ModePolling long-polls the Bot API for updates.
	ModePolling Mode = "polling"
	// ModeWebhook receives updates pushed over HTTPS.
	ModeWebhook Mode = "webhook"
)

// Config is the complete bot configuration.
type Config struct {
	// Telegram.
	TelegramToken  string `env:"TELEGRAM_TOKEN,required"`
	Mode           Mode   `env:"BOT_MODE" envDefault:"polling"`
	Host           string `env:"HOST"`      // public HTTPS host, webhook mode only
	TelegramSecret string `env:"TG_SECRET"` // webhook shared secret

	// HTTP server (health, metrics, webhook).
	Addr string `env:"ADDR" envDefault:"localhost:3000"`

	// Calculation backend.
	NocturnaURL          string        `env:"NOCTURNA_URL,required"`
	NocturnaServiceToken string        `env:"NOCTURNA_SERVICE_TOKEN,required"`
	NocturnaTimeout      time.Duration `env:"NOCTURNA_TIMEOUT" envDefault:"30s"`
	NocturnaMaxRetries   int           `env:"NOCTURNA_MAX_RETRIES" envDefault:"3"` // 0 disables retries

	// Chart renderer. Optional; both fields or neither.
	ChartURL    string `env:"CHART_URL"`
	ChartAPIKey string `env:"CHART_API_KEY"`

	// Text generation. Optional.
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	OpenRouterURL    string `env:"OPENROUTER_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterModel  string `env:"OPENROUTER_MODEL"`

	// Profile storage. At most one; neither selects the in-memory store.
	DatabaseURL  string `env:"DATABASE_URL"`
	ProfilesFile string `env:"PROFILES_FILE"`

	// Default location for current-sky queries.
	DefaultLatitude  float64 `env:"DEFAULT_LATITUDE" envDefault:"55.7558"`
	DefaultLongitude float64 `env:"DEFAULT_LONGITUDE" envDefault:"37.6173"`
	DefaultTimezone  string  `env:"DEFAULT_TIMEZONE" envDefault:"Europe/Moscow"`

	// WebhookConcurrency bounds how many updates are processed at once in
	// webhook mode.
	WebhookConcurrency int `env:"WEBHOOK_CONCURRENCY" envDefault:"16"`
}

// Load reads the configuration from the process environment, after loading
// an optional .env file, and validates it.
func Load() (*Config, error) {
	// A missing .env file is fine, the environment takes over.
	godotenv.Load()

	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse is like [Load], but reads from the given map. Used in tests.
func parse(environ map[string]string) (*Config, error) {
	cfg := new(Config)
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags can't express.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePolling, ModeWebhook:
	default:
		return fmt.Errorf("config: BOT_MODE must be %q or %q, got %q", ModePolling, ModeWebhook, c.Mode)
	}

	if c.Mode == ModeWebhook {
		if c.Host == "" {
			return fmt.Errorf("config: webhook mode requires HOST")
		}
		if c.TelegramSecret == "" {
			return fmt.Errorf("config: webhook mode requires TG_SECRET")
		}
	}

	if err := checkURL("NOCTURNA_URL", c.NocturnaURL); err != nil {
		return err
	}
	if c.NocturnaTimeout <= 0 {
		return fmt.Errorf("config: NOCTURNA_TIMEOUT must be positive, got %s", c.NocturnaTimeout)
	}
	if c.NocturnaMaxRetries < 0 {
		return fmt.Errorf("config: NOCTURNA_MAX_RETRIES must not be negative, got %d", c.NocturnaMaxRetries)
	}

	// The renderer is either fully configured or absent.
	if (c.ChartURL == "") != (c.ChartAPIKey == "") {
		return fmt.Errorf("config: CHART_URL and CHART_API_KEY must be set together")
	}
	if c.ChartURL != "" {
		if err := checkURL("CHART_URL", c.ChartURL); err != nil {
			return err
		}
	}

	if c.OpenRouterAPIKey != "" {
		if err := checkURL("OPENROUTER_URL", c.OpenRouterURL); err != nil {
			return err
		}
	}

	if c.DatabaseURL != "" && c.ProfilesFile != "" {
		return fmt.Errorf("config: DATABASE_URL and PROFILES_FILE are mutually exclusive")
	}

	if c.WebhookConcurrency < 1 {
		return fmt.Errorf("config: WEBHOOK_CONCURRENCY must be positive, got %d", c.WebhookConcurrency)
	}

	if c.DefaultLatitude < -90 || c.DefaultLatitude > 90 {
		return fmt.Errorf("config: DEFAULT_LATITUDE out of range: %v", c.DefaultLatitude)
	}
	if c.DefaultLongitude < -180 || c.DefaultLongitude > 180 {
		return fmt.Errorf("config: DEFAULT_LONGITUDE out of range: %v", c.DefaultLongitude)
	}

	return nil
}

// ChartEnabled reports whether the chart renderer is configured.
func (c *Config) ChartEnabled() bool { return c.ChartURL != "" }

// InterpEnabled reports whether text generation is configured.
func (c *Config) InterpEnabled() bool { return c.OpenRouterAPIKey != "" }

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %v", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: %s must be an http(s) URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("config: %s is missing a host: %q", name, raw)
	}
	return nil
}
