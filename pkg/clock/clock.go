// Package clock provides the time source injected into every component
// that reasons about staleness: heartbeat windows, lock expiry, and
// lifecycle timestamps. Tests substitute a fixed or advancing fake.
package clock

import "time"

// Clock supplies the current instant. All Drover timestamps are UTC.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// NewSystem returns the wall-clock time source.
func NewSystem() *System {
	return &System{}
}

// Now returns the current wall-clock time in UTC.
func (s *System) Now() time.Time {
	return time.Now().UTC()
}
