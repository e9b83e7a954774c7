package util

import "time"

// Clock is injected wherever code waits or stamps time.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// FixedClock reports a constant Now and fires After immediately.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

func (c FixedClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.T
	return ch
}
