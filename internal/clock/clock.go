// Package clock supplies wall-clock time to the state layer.
//
// Timestamps recorded in audit records and ledger events are informational.
// Ordering always comes from append position (and the audit seq), never
// from comparing timestamps, so a clock that jumps backwards cannot reorder
// history.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the real clock, always in UTC.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Deterministic is a clock for tests. Every call to Now returns the
// previous value advanced by Step.
//
// Thread-safety: all methods are safe for concurrent use.
type Deterministic struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	Step  time.Duration
}

// Epoch is the first instant a Deterministic clock reports.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewDeterministic creates a clock starting at Epoch that advances one
// second per call.
func NewDeterministic() *Deterministic {
	return &Deterministic{start: Epoch, now: Epoch, Step: time.Second}
}

// Now returns the current instant and advances the clock.
func (c *Deterministic) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}

// Reset rewinds the clock so the same test can run twice with identical times.
func (c *Deterministic) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
