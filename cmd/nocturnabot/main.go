// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.nocturna.dev/bot/internal/chartimg"
	"go.nocturna.dev/bot/internal/cli"
	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/config"
	"go.nocturna.dev/bot/internal/creds"
	"go.nocturna.dev/bot/internal/interp"
	"go.nocturna.dev/bot/internal/logger"
	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/profile"
	"go.nocturna.dev/bot/internal/store"
	"go.nocturna.dev/bot/internal/syncx"
	"go.nocturna.dev/bot/internal/telegram"
	"go.nocturna.dev/bot/internal/transit"
	"go.nocturna.dev/bot/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() { cli.Main(new(engine)) }

type engine struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	cfg      *config.Config
	logf     logger.Logf
	httpc    *http.Client
	scrubber *strings.Replacer
	creds    *creds.Manager
	kv       store.Store
	profiles *profile.Store
	transits *transit.Service
	tg       *telegram.Client
	me       *telegram.User
	mux      *http.ServeMux
	limiter  *syncx.Limiter

	// bgCtx outlives individual webhook requests; update processing runs
	// on it after the fast ack.
	bgCtx context.Context

	// for tests
	noServerStart bool
	ready         func(addr string)
}

func (e *engine) Run(ctx context.Context, env *cli.Env) error {
	e.bgCtx = ctx

	if err := e.init.Get(func() error {
		return e.doInit(ctx, env)
	}); err != nil {
		return err
	}

	// Used in tests.
	if e.noServerStart {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)

	switch e.cfg.Mode {
	case config.ModePolling:
		// A leftover webhook blocks getUpdates.
		if err := e.tg.DeleteWebhook(ctx); err != nil {
			return err
		}
		e.logf("Receiving updates via long polling.")
		g.Go(func() error { return e.poll(ctx) })
	case config.ModeWebhook:
		if err := e.tg.SetWebhook(ctx, "https://"+e.cfg.Host+"/telegram", e.cfg.TelegramSecret); err != nil {
			return err
		}
		e.logf("Receiving updates via webhook at https://%s/telegram.", e.cfg.Host)
	}

	g.Go(func() error {
		return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
			Addr:  e.cfg.Addr,
			Mux:   e.mux,
			Logf:  e.logf,
			Ready: e.ready,
		})
	})

	return g.Wait()
}

func (e *engine) doInit(ctx context.Context, env *cli.Env) error {
	e.logf = env.Logf

	if e.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		e.cfg = cfg
	}

	if e.httpc == nil {
		e.httpc = &http.Client{
			// Long polling and generation can be slow; 60 seconds covers both.
			Timeout: 60 * time.Second,
		}
	}

	var scrubPairs []string
	for _, val := range []string{
		e.cfg.TelegramToken,
		e.cfg.TelegramSecret,
		e.cfg.NocturnaServiceToken,
		e.cfg.ChartAPIKey,
		e.cfg.OpenRouterAPIKey,
	} {
		if val != "" {
			scrubPairs = append(scrubPairs, val, "[EXPUNGED]")
		}
	}
	if len(scrubPairs) > 0 {
		e.scrubber = strings.NewReplacer(scrubPairs...)
	}

	if err := creds.CheckServiceToken(e.cfg.NocturnaServiceToken, e.logf); err != nil {
		return err
	}
	e.creds = creds.NewManager(creds.Config{
		BaseURL:      e.cfg.NocturnaURL,
		ServiceToken: e.cfg.NocturnaServiceToken,
		Timeout:      e.cfg.NocturnaTimeout,
		MaxRetries:   e.cfg.NocturnaMaxRetries,
		HTTPClient:   e.httpc,
		Scrubber:     e.scrubber,
		Logf:         e.logf,
	})

	calc := nocturna.NewClient(client.New(client.Config{
		Name:       "calculations",
		BaseURL:    e.cfg.NocturnaURL,
		Token:      e.creds,
		Timeout:    e.cfg.NocturnaTimeout,
		MaxRetries: e.cfg.NocturnaMaxRetries,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
		Logf:       e.logf,
	}))

	var chart *chartimg.Client
	if e.cfg.ChartEnabled() {
		chart = chartimg.NewClient(client.New(client.Config{
			Name:       "chart",
			BaseURL:    e.cfg.ChartURL,
			Token:      client.StaticToken(e.cfg.ChartAPIKey),
			Timeout:    60 * time.Second,
			MaxRetries: 3,
			HTTPClient: e.httpc,
			Scrubber:   e.scrubber,
			Logf:       e.logf,
		}))
	}

	var reader *interp.Interpreter
	if e.cfg.InterpEnabled() {
		reader = interp.New(client.New(client.Config{
			Name:       "interpretation",
			BaseURL:    e.cfg.OpenRouterURL,
			Token:      client.StaticToken(e.cfg.OpenRouterAPIKey),
			Timeout:    60 * time.Second,
			MaxRetries: 3,
			HTTPClient: e.httpc,
			Scrubber:   e.scrubber,
			Logf:       e.logf,
		}), e.cfg.OpenRouterModel)
	}

	if e.kv == nil {
		var err error
		switch {
		case e.cfg.DatabaseURL != "":
			e.kv, err = store.NewPostgresStore(ctx, e.cfg.DatabaseURL)
		case e.cfg.ProfilesFile != "":
			e.kv, err = store.NewJSONFile(e.cfg.ProfilesFile)
		default:
			e.logf("No profile storage configured, profiles will not survive a restart.")
			e.kv = store.NewMemStore()
		}
		if err != nil {
			return err
		}
	}
	e.profiles = profile.NewStore(e.kv)

	e.transits = transit.NewService(transit.Config{
		Profiles:  e.profiles,
		Calc:      calc,
		Chart:     chart,
		Interp:    reader,
		Latitude:  e.cfg.DefaultLatitude,
		Longitude: e.cfg.DefaultLongitude,
		Timezone:  e.cfg.DefaultTimezone,
		Logf:      e.logf,
	})

	if e.tg == nil {
		e.tg = telegram.NewClient(telegram.Config{
			Token:      e.cfg.TelegramToken,
			HTTPClient: e.httpc,
			Scrubber:   e.scrubber,
			Logf:       e.logf,
		})
	}

	me, err := e.tg.GetMe(ctx)
	if err != nil {
		return err
	}
	e.me = me
	e.logf("Running as @%s (ID %d).", me.Username, me.ID)

	e.limiter = syncx.NewLimiter(e.cfg.WebhookConcurrency)

	e.mux = http.NewServeMux()
	e.mux.Handle("/metrics", promhttp.Handler())
	if e.cfg.Mode == config.ModeWebhook {
		e.mux.HandleFunc("POST /telegram", e.handleTelegramWebhook)
	}
	health := web.Health(e.mux)
	health.RegisterFunc("telegram", func() (string, bool) {
		return "@" + e.me.Username, true
	})
	health.RegisterFunc("mode", func() (string, bool) {
		return string(e.cfg.Mode), true
	})

	return nil
}
