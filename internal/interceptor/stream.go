package interceptor

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

const streamBuffer = 1024

// Stream is the per-request event queue between the interceptor and the
// response assembler. Function calls are deduplicated and held back until
// the upstream terminator so consumers always see fully reconstructed
// calls.
type Stream struct {
	reqID  string
	events chan interfaces.StreamEvent

	mu         sync.Mutex
	dedup      *functionDedup
	hadContent bool
	finished   bool
}

func newStream(reqID string) *Stream {
	return &Stream{
		reqID:  reqID,
		events: make(chan interfaces.StreamEvent, streamBuffer),
		dedup:  newFunctionDedup(),
	}
}

// ReqID names the request this stream belongs to.
func (s *Stream) ReqID() string { return s.reqID }

// Next implements interfaces.InterceptorStream.
func (s *Stream) Next(ctx context.Context) (interfaces.StreamEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return interfaces.StreamEvent{}, ctx.Err()
	}
}

// HadContent reports whether any body or reasoning text was published.
func (s *Stream) HadContent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hadContent
}

func (s *Stream) publishBody(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.hadContent = true
	s.mu.Unlock()
	s.send(interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: text})
}

func (s *Stream) publishReason(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.hadContent = true
	s.mu.Unlock()
	s.send(interfaces.StreamEvent{Kind: interfaces.StreamReason, Text: text})
}

// addFunction records a function call for emission at stream end. Repeats
// of an already-seen (name, canonical args) pair are suppressed.
func (s *Stream) addFunction(name, argsJSON string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.dedup.add(name, argsJSON)
}

func (s *Stream) functionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.size()
}

// finish emits the accumulated unique function calls followed by the done
// marker. Subsequent publishes are ignored.
func (s *Stream) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	calls := s.dedup.list()
	s.mu.Unlock()

	if len(calls) > 0 {
		s.send(interfaces.StreamEvent{Kind: interfaces.StreamFunction, Functions: calls})
	}
	s.send(interfaces.StreamEvent{Kind: interfaces.StreamDone})
}

// fail terminates the stream with an error event.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.send(interfaces.StreamEvent{Kind: interfaces.StreamError, Err: err})
}

func (s *Stream) send(ev interfaces.StreamEvent) {
	select {
	case s.events <- ev:
	default:
		log.Warnf("interceptor stream %s: event buffer full, dropping %s event", s.reqID, ev.Kind)
	}
}
