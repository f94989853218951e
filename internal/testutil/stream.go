package testutil

import (
	"context"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// ScriptedStream replays a fixed sequence of interceptor events, then
// blocks until the caller's context is done. Push appends more events at
// any point, so tests can interleave clock advances with arrivals.
type ScriptedStream struct {
	ch chan interfaces.StreamEvent
}

func NewScriptedStream(events ...interfaces.StreamEvent) *ScriptedStream {
	s := &ScriptedStream{ch: make(chan interfaces.StreamEvent, 256)}
	for _, ev := range events {
		s.ch <- ev
	}
	return s
}

// Push appends one event to the script.
func (s *ScriptedStream) Push(ev interfaces.StreamEvent) {
	s.ch <- ev
}

// Next implements interfaces.InterceptorStream.
func (s *ScriptedStream) Next(ctx context.Context) (interfaces.StreamEvent, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return interfaces.StreamEvent{}, ctx.Err()
	}
}
