// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"

	"go.nocturna.dev/bot/internal/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface. Data is
// lost on restart; it exists for tests and throwaway deployments.
type MemStore struct {
	data syncx.Map[string, []byte]
}

// NewMemStore creates a new MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Get retrieves a value for a given key.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := s.data.Load(key)
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent the caller from mutating the store.
	return append([]byte(nil), value...), nil
}

// Set stores a value for a given key.
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	s.data.Store(key, append([]byte(nil), value...))
	return nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }
