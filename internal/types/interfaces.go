package types

import "time"

// Clock abstracts time so cycle boundaries can be simulated in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock. It always returns UTC.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock returns the same instant until Advance is called.
// It is not safe for concurrent mutation.
type FixedClock struct {
	T time.Time
}

// Now returns the configured instant.
func (c *FixedClock) Now() time.Time {
	return c.T
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
