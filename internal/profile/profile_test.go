// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package profile

import (
	"context"
	"errors"
	"testing"

	"go.nocturna.dev/bot/internal/nocturna"
	"go.nocturna.dev/bot/internal/store"
	"go.nocturna.dev/bot/internal/testutil"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())

	want := &Profile{
		UserID:    42,
		BirthDate: "1990-06-15",
		BirthTime: "14:30:00",
		Latitude:  55.75,
		Longitude: 37.61,
		Timezone:  "Europe/Moscow",
		NatalPositions: []nocturna.Position{
			{Planet: "SUN", Sign: "GEMINI", Longitude: 85.83},
		},
		NatalHouses: []nocturna.House{
			{Number: 1, Longitude: 300.32},
		},
	}
	if err := s.Set(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, want)
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on first save")
	}
}

func TestStoreNotFound(t *testing.T) {
	s := NewStore(store.NewMemStore())
	_, err := s.Get(context.Background(), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreUpdateKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())

	p := &Profile{UserID: 42, BirthDate: "1990-06-15", BirthTime: "14:30:00"}
	if err := s.Set(ctx, p); err != nil {
		t.Fatal(err)
	}
	created := p.CreatedAt

	updated := &Profile{UserID: 42, BirthDate: "1991-01-01", BirthTime: "08:00:00"}
	if err := s.Set(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got.BirthDate != "1991-01-01" {
		t.Errorf("BirthDate = %q, profile not replaced", got.BirthDate)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want the original %v", got.CreatedAt, created)
	}
}
