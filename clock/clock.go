// Package clock isolates the time source used to stamp a worker's
// spawn time so tests can substitute a controllable clock.
package clock

import "time"

// Clock is the pluggable time source.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }
