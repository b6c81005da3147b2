// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package profile persists per-user natal profiles.
//
// A profile holds the user's birth data and the derived natal positions and
// house cusps so the transit flow doesn't recompute the baseline on every
// request. Profiles are written only on explicit user action and never
// expire.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/store"
)

// ErrNotFound is returned by [Store.Get] when the user has not registered
// birth data yet.
var ErrNotFound = errors.New("profile not found")

// Profile is a user's stored birth data and natal baseline.
type Profile struct {
	UserID    int64   `json:"user_id"`
	BirthDate string  `json:"birth_date"` // YYYY-MM-DD
	BirthTime string  `json:"birth_time"` // HH:MM:SS
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	// Location is a free-form place name, kept for display only.
	Location string `json:"location,omitempty"`

	NatalPositions []nocturna.Position `json:"natal_positions"`
	NatalHouses    []nocturna.House    `json:"natal_houses"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BirthMoment returns the profile's birth data as a calculation moment.
func (p *Profile) BirthMoment() nocturna.Moment {
	return nocturna.Moment{
		Date:      p.BirthDate,
		Time:      p.BirthTime,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timezone:  p.Timezone,
	}
}

// Store is a typed profile store on top of a key-value backend.
type Store struct {
	kv store.Store
}

// NewStore returns a profile Store backed by kv.
func NewStore(kv store.Store) *Store { return &Store{kv: kv} }

func key(userID int64) string {
	return "profile:" + strconv.FormatInt(userID, 10)
}

// Get loads the profile of the given user. It returns [ErrNotFound] if the
// user never registered birth data.
func (s *Store) Get(ctx context.Context, userID int64) (*Profile, error) {
	b, err := s.kv.Get(ctx, key(userID))
	if err != nil {
		return nil, fmt.Errorf("loading profile of user %d: %w", userID, err)
	}
	if b == nil {
		return nil, ErrNotFound
	}
	p := new(Profile)
	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("unmarshaling profile of user %d: %w", userID, err)
	}
	return p, nil
}

// Set stores the profile, replacing any previous one for the same user. It
// maintains the CreatedAt and UpdatedAt timestamps.
func (s *Store) Set(ctx context.Context, p *Profile) error {
	now := time.Now().UTC()
	p.UpdatedAt = now
	if prev, err := s.Get(ctx, p.UserID); err == nil {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
	}

	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile of user %d: %w", p.UserID, err)
	}
	if err := s.kv.Set(ctx, key(p.UserID), b); err != nil {
		return fmt.Errorf("storing profile of user %d: %w", p.UserID, err)
	}
	return nil
}
