// Package manual provides a hand-driven clock so tests can walk through
// backoff and breaker timeouts without sleeping.
package manual

import (
	"sync"
	"time"
)

// Clock implements stealth.Clock with an explicitly advanced time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a Clock starting at the given instant.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
