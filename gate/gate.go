// Package gate implements a fixed-timestep accumulator that decides, once per
// tick, whether a periodic action is due.
package gate

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRate is returned by New when the target rate is not positive.
var ErrInvalidRate = errors.New("gate: target rate must be positive")

// Gate fires at most once per Advance call and, over time, exactly rate
// times per second of accumulated delta.
type Gate struct {
	period time.Duration
	acc    time.Duration
}

// New returns a gate firing rate times per second.
func New(rate float64) (*Gate, error) {
	if !(rate > 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRate, rate)
	}
	period := time.Duration(float64(time.Second) / rate)
	if period <= 0 {
		return nil, fmt.Errorf("%w: %v is too high", ErrInvalidRate, rate)
	}
	return &Gate{period: period}, nil
}

// Every returns a gate firing once per period.
func Every(period time.Duration) (*Gate, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: period %v", ErrInvalidRate, period)
	}
	return &Gate{period: period}, nil
}

// Advance adds delta to the accumulator. When at least one period has
// accumulated, one period is subtracted and Advance returns true. The
// remainder is kept, so irregular deltas do not drift the long-run rate.
func (g *Gate) Advance(delta time.Duration) bool {
	g.acc += delta
	if g.acc < g.period {
		return false
	}
	g.acc -= g.period
	return true
}

// Period returns the time between two firings.
func (g *Gate) Period() time.Duration {
	return g.period
}

// Pending returns the time accumulated toward the next firing.
func (g *Gate) Pending() time.Duration {
	return g.acc
}
