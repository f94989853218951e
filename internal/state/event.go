// Package state holds the process-wide runtime flags the request engine and
// the rotation subsystem coordinate through: the quota state machine, the
// rotation lock, the recovery and shutdown events, and the parking gate
// requests traverse before entering the queue.
package state

import (
	"context"
	"sync"
)

// Event is a re-armable level-triggered signal. Set and Clear may be called
// any number of times; Wait returns once the event is observed set.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent creates an event in the given initial state.
func NewEvent(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		close(e.ch)
		e.set = true
	}
	return e
}

// Set signals the event. No-op if already set.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear re-arms the event. No-op if already cleared.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports the current state.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed while the event is set. Callers must
// re-check IsSet after the channel fires; the event may have been cleared
// again in between.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.set {
			e.mu.Unlock()
			return nil
		}
		ch := e.ch
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
