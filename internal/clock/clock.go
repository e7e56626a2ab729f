// Package clock abstracts wall time so pattern aging, cache TTLs, and
// relative query times can be driven deterministically in tests. Core
// engine semantics operate on event timestamps and never consult a clock.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current wall time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// New returns the system clock.
func New() Clock { return Real{} }

// Manual is a hand-driven clock for tests. The zero value starts at the
// Unix epoch; use Set or Advance to move it.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock fixed at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// NewManualMillis returns a Manual clock fixed at the given Unix
// millisecond timestamp, matching the engine's event time domain.
func NewManualMillis(ms int64) *Manual {
	return &Manual{now: time.UnixMilli(ms)}
}

// Now returns the frozen time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
