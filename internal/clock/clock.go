// Package clock re-exports benbjohnson/clock so every component that
// schedules delays, retries, timeouts or staleness checks takes a
// clock.Clock instead of calling time.Now/time.Sleep directly, letting
// tests drive time deterministically with clock.NewMock().
package clock

import "github.com/benbjohnson/clock"

type Clock = clock.Clock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a fake clock for deterministic tests.
func NewMock() *clock.Mock {
	return clock.NewMock()
}
