package domain

import (
	"sync"
	"time"
)

// FetchClock hands out fetched_at timestamps that never go backwards within
// one process, even when the wall clock is adjusted.
type FetchClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewFetchClock creates a clock backed by now. A nil now uses time.Now.
func NewFetchClock(now func() time.Time) *FetchClock {
	if now == nil {
		now = time.Now
	}
	return &FetchClock{now: now}
}

// Now returns the current time in UTC, or the previously returned value if
// the underlying clock moved backwards.
func (c *FetchClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}
