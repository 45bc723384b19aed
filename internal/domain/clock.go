package domain

import "time"

// Clock supplies the current time. The engine only reads it and compares;
// it never advances time itself.
type Clock interface {
	Now() int64 // unix seconds
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) Now() int64 { return time.Now().Unix() }

// FixedClock returns a constant time; the zero value reads as the epoch.
// Intended for tests.
type FixedClock struct {
	T int64
}

func (c *FixedClock) Now() int64 { return c.T }

// Advance moves the fixed clock forward by d seconds.
func (c *FixedClock) Advance(d int64) { c.T += d }
