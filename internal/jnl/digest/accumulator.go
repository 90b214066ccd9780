// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package digest buffers locally computed record digests, flushes them to
// the peer in batches and correlates the peer's verdicts.
package digest

import (
	"maps"
	"sync"
)

// Accumulator maps nonce -> digest until the scheduler drains it. All
// methods are safe for concurrent use; the lock is only held for the map
// mutation itself.
type Accumulator struct {
	mu      sync.Mutex
	pending map[string]string
	max     func() int
	ready   chan struct{}
}

// NewAccumulator returns an empty accumulator. max is consulted after every
// insert; a nil max never signals.
func NewAccumulator(max func() int) *Accumulator {
	return &Accumulator{
		pending: make(map[string]string),
		max:     max,
		ready:   make(chan struct{}, 1),
	}
}

// Add stores digest under nonce. A later Add for the same nonce wins.
func (a *Accumulator) Add(nonce, digest string) {
	a.mu.Lock()
	a.pending[nonce] = digest
	n := len(a.pending)
	a.mu.Unlock()
	a.maybeSignal(n)
}

// AddAll stores every entry of batch in one atomic step.
func (a *Accumulator) AddAll(batch map[string]string) {
	if len(batch) == 0 {
		return
	}
	a.mu.Lock()
	maps.Copy(a.pending, batch)
	n := len(a.pending)
	a.mu.Unlock()
	a.maybeSignal(n)
}

// DrainAll removes and returns the whole mapping. A pending threshold
// signal is consumed with it.
func (a *Accumulator) DrainAll() map[string]string {
	a.mu.Lock()
	out := a.pending
	a.pending = make(map[string]string)
	a.mu.Unlock()

	select {
	case <-a.ready:
	default:
	}
	return out
}

// Len returns the number of pending digests.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Snapshot returns a copy of the pending digests without draining them.
func (a *Accumulator) Snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.pending)
}

// Ready fires once the pending size reached the threshold.
func (a *Accumulator) Ready() <-chan struct{} {
	return a.ready
}

// Full reports whether the pending size is at or above the threshold.
func (a *Accumulator) Full() bool {
	return a.reached(a.Len())
}

func (a *Accumulator) reached(n int) bool {
	if a.max == nil {
		return false
	}
	limit := a.max()
	return limit > 0 && n >= limit
}

func (a *Accumulator) maybeSignal(n int) {
	if !a.reached(n) {
		return
	}
	select {
	case a.ready <- struct{}{}:
	default:
	}
}
