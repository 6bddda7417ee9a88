// Package syncx provides small synchronization helpers shared by the pipeline.
package syncx

import (
	"sync"
	"sync/atomic"
)

// Guard wraps a value behind an RWMutex.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Get returns a copy of the value. T should be a value type or immutable.
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value.
func (g *Guard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Update mutates the value under the write lock.
func (g *Guard[T]) Update(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Epoch is a monotonically increasing generation counter. Work started under
// one token must check Valid before publishing results, so callbacks from a
// cancelled session cannot leak into the next one.
type Epoch struct {
	n atomic.Uint64
}

// Token identifies one generation.
type Token uint64

// Advance starts a new generation and returns its token.
func (e *Epoch) Advance() Token {
	return Token(e.n.Add(1))
}

// Current returns the live generation.
func (e *Epoch) Current() Token {
	return Token(e.n.Load())
}

// Valid reports whether t is still the live generation.
func (e *Epoch) Valid(t Token) bool {
	return e.n.Load() == uint64(t)
}
