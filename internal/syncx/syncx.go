// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package syncx contains useful synchronization primitives.
package syncx

import "sync"

// Protect wraps T into [Protected].
func Protect[T any](val T) *Protected[T] { return &Protected[T]{val: val} }

// Protected provides synchronized access to a value of type T.
type Protected[T any] struct {
	mu  sync.RWMutex
	val T
}

// RAccess provides read access to the protected value.
// It executes the provided function f with the value under a read lock.
func (p *Protected[T]) RAccess(f func(T)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f(p.val)
}

// Access provides write access to the protected value.
// It executes the provided function f with the value under a write lock.
func (p *Protected[T]) Access(f func(T)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(p.val)
}

// Lazy represents a lazily computed value.
type Lazy[T any] struct {
	once sync.Once
	val  T
}

// Get returns T, calling f to compute it, if necessary.
func (l *Lazy[T]) Get(f func() T) T {
	l.once.Do(func() { l.val = f() })
	return l.val
}

// Map is a generic wrapper around [sync.Map].
type Map[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored in the map for a key.
func (m *Map[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, val V) { m.m.Store(key, val) }

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) { m.m.Delete(key) }

// Range calls f sequentially for each key and value present in the map.
// If f returns false, Range stops the iteration.
func (m *Map[K, V]) Range(f func(key K, val V) bool) {
	m.m.Range(func(k, v any) bool { return f(k.(K), v.(V)) })
}

// Limiter bounds the number of concurrently working goroutines by using a
// buffered channel as a semaphore.
type Limiter struct {
	wg      sync.WaitGroup
	workers chan struct{}
}

// NewLimiter returns a new Limiter that limits the number of concurrently
// working goroutines to limit.
func NewLimiter(limit int) *Limiter {
	return &Limiter{workers: make(chan struct{}, limit)}
}

// Add acquires a slot, blocking if the concurrency limit is reached.
func (l *Limiter) Add() {
	l.workers <- struct{}{}
	l.wg.Add(1)
}

// TryAdd acquires a slot without blocking. It reports whether a slot was
// acquired; callers that receive false must not call Done.
func (l *Limiter) TryAdd() bool {
	select {
	case l.workers <- struct{}{}:
		l.wg.Add(1)
		return true
	default:
		return false
	}
}

// Done releases a slot acquired by Add or TryAdd.
func (l *Limiter) Done() {
	<-l.workers
	l.wg.Done()
}

// Wait blocks until all acquired slots are released.
func (l *Limiter) Wait() { l.wg.Wait() }
