package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a DeterministicClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock provides a thread-safe wall clock for tests.
//
// Each call to Now advances the clock by a fixed step, so transactions get
// distinct, reproducible timestamps and golden traces stay byte-identical.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int64
}

// NewDeterministicClock creates a clock starting at Epoch with one-second steps.
//
// The first call to Now() returns Epoch + 1s.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Epoch, time.Second)
}

// NewDeterministicClockAt creates a clock starting at base with the given step.
func NewDeterministicClockAt(base time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{base: base.UTC(), step: step}
}

// Now advances the clock and returns the new instant.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.base.Add(time.Duration(c.n) * c.step)
}

// Current returns the last instant returned by Now without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(time.Duration(c.n) * c.step)
}

// Set moves the clock so the next Now returns t + step.
// Moving backwards is allowed; it is how tests simulate clock skew.
func (c *DeterministicClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = t.UTC()
	c.n = 0
}

// Reset rewinds the clock to its starting point.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
