package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// FakeClock is a manually advanced clock for tests. Now returns the stored
// instant; After fires immediately.
type FakeClock struct {
	Instant time.Time
}

func (f *FakeClock) Now() time.Time { return f.Instant }

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Instant.Add(d)
	return ch
}

// Advance moves the clock forward.
func (f *FakeClock) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }
