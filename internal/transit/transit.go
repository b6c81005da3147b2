// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package transit orchestrates the personal transit flow across the
// calculation backend, the chart renderer and the text generator.
//
// The flow is two-tier: the calculation path (profile load, chart resources,
// positions, synastry) is required and any failure in it fails the whole
// request, while the enrichment paths (chart image, generated reading) are
// optional and degrade silently. Enrichment is attempted exactly once per
// request; the underlying clients already retried internally.
package transit

import (
	"context"
	"log"
	"time"

	"go.nocturna.dev/bot/internal/chartimg"
	"go.nocturna.dev/bot/internal/format"
	"go.nocturna.dev/bot/internal/interp"
	"go.nocturna.dev/bot/internal/logger"
	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/profile"

	"golang.org/x/sync/errgroup"
)

// Snapshot is the ephemeral per-request bundle of calculated data. It is
// never cached across requests.
type Snapshot struct {
	Date string // YYYY-MM-DD
	Time string // HH:MM:SS

	TransitPositions []nocturna.Position
	TransitHouses    []nocturna.House
	NatalPositions   []nocturna.Position
	NatalHouses      []nocturna.House
	// Aspects are the cross-aspects between the transiting planets
	// (Planet2) and the natal chart (Planet1).
	Aspects []nocturna.Aspect

	CalculatedAt time.Time
}

// Result is what a transit request produces: the deterministic report, plus
// whatever enrichment succeeded.
type Result struct {
	Snapshot Snapshot
	// Summary is the deterministic HTML report. Always present.
	Summary string
	// Image is the rendered biwheel PNG, or nil if the renderer is not
	// configured or failed.
	Image []byte
	// Reading is the generated interpretation, or empty if the generator is
	// not configured or failed.
	Reading string
}

// Config configures a [Service].
type Config struct {
	Profiles *profile.Store
	Calc     *nocturna.Client
	// Chart is optional; nil disables chart rendering.
	Chart *chartimg.Client
	// Interp is optional; nil disables generated readings.
	Interp *interp.Interpreter
	// Latitude, Longitude and Timezone locate current-sky queries for users
	// without positional context.
	Latitude  float64
	Longitude float64
	Timezone  string
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf

	// Now, if set, replaces the wall clock. Used in tests.
	Now func() time.Time
}

// Service computes personal transits and current-sky summaries.
type Service struct {
	profiles *profile.Store
	calc     *nocturna.Client
	chart    *chartimg.Client
	interp   *interp.Interpreter

	latitude  float64
	longitude float64
	timezone  string

	logf logger.Logf
	now  func() time.Time
}

// NewService returns a new Service based on the provided config.
func NewService(cfg Config) *Service {
	s := &Service{
		profiles:  cfg.Profiles,
		calc:      cfg.Calc,
		chart:     cfg.Chart,
		interp:    cfg.Interp,
		latitude:  cfg.Latitude,
		longitude: cfg.Longitude,
		timezone:  cfg.Timezone,
		logf:      cfg.Logf,
		now:       cfg.Now,
	}
	if s.timezone == "" {
		s.timezone = "UTC"
	}
	if s.logf == nil {
		s.logf = log.Printf
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// localNow returns the current time in the given IANA timezone, falling back
// to UTC when the name doesn't resolve.
func (s *Service) localNow(timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		s.logf("transit: unknown timezone %q, falling back to UTC", timezone)
		loc = time.UTC
	}
	return s.now().In(loc)
}

// ComputePersonalTransit runs the whole transit flow for the given user.
//
// It returns [profile.ErrNotFound] without any network traffic when the user
// has not registered birth data. Calculation failures propagate with their
// client classification intact; enrichment failures only shape the Result.
func (s *Service) ComputePersonalTransit(ctx context.Context, userID int64) (*Result, error) {
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	natalMoment := p.BirthMoment()
	transitMoment := nocturna.MomentAt(s.localNow(p.Timezone), p.Latitude, p.Longitude, p.Timezone)

	// The calculation path is strictly sequential: the synastry call needs
	// both chart IDs, and each ID comes from a preceding call.
	natalChartID, err := s.calc.CreateChart(ctx, natalMoment)
	if err != nil {
		return nil, err
	}
	defer s.deleteChart(ctx, natalChartID)

	natalPositions, natalHouses := p.NatalPositions, p.NatalHouses
	if len(natalPositions) == 0 {
		if natalPositions, err = s.calc.PlanetaryPositions(ctx, natalMoment); err != nil {
			return nil, err
		}
	}
	if len(natalHouses) == 0 {
		if natalHouses, err = s.calc.Houses(ctx, natalMoment); err != nil {
			return nil, err
		}
	}

	transitPositions, err := s.calc.PlanetaryPositions(ctx, transitMoment)
	if err != nil {
		return nil, err
	}
	transitHouses, err := s.calc.Houses(ctx, transitMoment)
	if err != nil {
		return nil, err
	}

	transitChartID, err := s.calc.CreateChart(ctx, transitMoment)
	if err != nil {
		return nil, err
	}
	defer s.deleteChart(ctx, transitChartID)

	aspects, err := s.calc.Synastry(ctx, natalChartID, transitChartID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Snapshot: Snapshot{
			Date:             transitMoment.Date,
			Time:             transitMoment.Time,
			TransitPositions: transitPositions,
			TransitHouses:    transitHouses,
			NatalPositions:   natalPositions,
			NatalHouses:      natalHouses,
			Aspects:          aspects,
			CalculatedAt:     s.now().UTC(),
		},
	}
	res.Summary = format.TransitReport(transitMoment.Date, transitMoment.Time, aspects)

	s.enrich(ctx, res, transitMoment)
	return res, nil
}

// enrich attaches the optional chart image and generated reading to res.
// The two calls are independent and run concurrently; failures are logged
// and absorbed.
func (s *Service) enrich(ctx context.Context, res *Result, transitMoment nocturna.Moment) {
	if s.chart == nil && s.interp == nil {
		return
	}

	var g errgroup.Group
	if s.chart != nil {
		g.Go(func() error {
			img, err := s.chart.RenderTransit(ctx,
				res.Snapshot.NatalPositions, res.Snapshot.NatalHouses,
				res.Snapshot.TransitPositions,
				transitMoment.Date+"T"+transitMoment.Time)
			if err != nil {
				s.logf("transit: chart rendering failed, continuing without image: %v", err)
				return nil
			}
			res.Image = img
			return nil
		})
	}
	if s.interp != nil {
		g.Go(func() error {
			reading, err := s.interp.TransitReading(ctx, res.Snapshot.TransitPositions, res.Snapshot.Aspects)
			if err != nil {
				s.logf("transit: interpretation failed, continuing without reading: %v", err)
				return nil
			}
			res.Reading = reading
			return nil
		})
	}
	g.Wait()
}

// deleteChart is best-effort cleanup of a short-lived chart resource.
func (s *Service) deleteChart(ctx context.Context, chartID string) {
	if err := s.calc.DeleteChart(ctx, chartID); err != nil {
		s.logf("transit: deleting chart %s failed: %v", chartID, err)
	}
}

// RegisterProfile validates birth data against the calculation backend,
// caches the natal baseline and stores the profile. Replaces any previous
// profile of the same user.
func (s *Service) RegisterProfile(ctx context.Context, p *profile.Profile) error {
	m := p.BirthMoment()

	positions, err := s.calc.PlanetaryPositions(ctx, m)
	if err != nil {
		return err
	}
	houses, err := s.calc.Houses(ctx, m)
	if err != nil {
		return err
	}
	p.NatalPositions = positions
	p.NatalHouses = houses

	if err := s.profiles.Set(ctx, p); err != nil {
		return err
	}
	s.logf("transit: registered profile for user %d", p.UserID)
	return nil
}

// CurrentPositions returns the planetary positions right now at the
// service's default location.
func (s *Service) CurrentPositions(ctx context.Context) ([]nocturna.Position, error) {
	m := nocturna.MomentAt(s.localNow(s.timezone), s.latitude, s.longitude, s.timezone)
	return s.calc.PlanetaryPositions(ctx, m)
}

// CurrentAspects returns the mundane aspects between planets right now at
// the service's default location.
func (s *Service) CurrentAspects(ctx context.Context) ([]nocturna.Aspect, error) {
	m := nocturna.MomentAt(s.localNow(s.timezone), s.latitude, s.longitude, s.timezone)
	return s.calc.Aspects(ctx, m)
}
