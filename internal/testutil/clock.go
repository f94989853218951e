// Package testutil provides shared test doubles for the request engine,
// chiefly a deterministic clock.
package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock implements interfaces.Clock with manually advanced time.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed chan struct{}
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFakeClock starts a clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, changed: make(chan struct{}, 64)}
}

// Now returns the current fake instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep blocks until the clock advances past d or ctx is done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	ch := c.addWaiter(d)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After returns a channel that fires when the clock advances past d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.addWaiter(d)
}

func (c *FakeClock) addWaiter(d time.Duration) chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- c.now
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	select {
	case c.changed <- struct{}{}:
	default:
	}
	return w.ch
}

// Advance moves the clock forward and fires every waiter whose deadline has
// passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// BlockUntil waits until at least n waiters are pending on the clock. Used
// to sequence tests against goroutines that are about to sleep.
func (c *FakeClock) BlockUntil(n int) {
	for {
		c.mu.Lock()
		count := len(c.waiters)
		c.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-c.changed:
		case <-time.After(time.Millisecond):
		}
	}
}
