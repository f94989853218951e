package assembly

import (
	"context"
	"fmt"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
)

type pulled struct {
	ev  interfaces.StreamEvent
	err error
}

// pump forwards events from the interceptor stream until the terminal
// event, a pull error, or ctx cancellation.
func pump(ctx context.Context, events interfaces.InterceptorStream) <-chan pulled {
	ch := make(chan pulled)
	go func() {
		for {
			ev, err := events.Next(ctx)
			select {
			case ch <- pulled{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || ev.Kind == interfaces.StreamDone || ev.Kind == interfaces.StreamError {
				return
			}
		}
	}()
	return ch
}

// StreamParams configures one streaming generation.
type StreamParams struct {
	Envelope Envelope
	// Timeout is the total completion budget.
	Timeout time.Duration
	// Silence is the longest tolerated gap between upstream events.
	// Zero disables the gap check.
	Silence time.Duration
	// UsageFor, when set, supplies the usage block for the final chunk
	// from the consolidated output.
	UsageFor func(output string) *usage.Tally
}

// Streamer drives one streaming response: it pulls interceptor events
// and emits SSE chunk payloads (JSON without the "data: " framing).
type Streamer struct {
	clock interfaces.Clock
}

func NewStreamer(clock interfaces.Clock) *Streamer {
	return &Streamer{clock: clock}
}

// Run pulls events until the upstream terminator and emits one chunk per
// fragment. On success the final chunk has been emitted and the summary
// is returned with a nil error. On failure before the first emitted
// chunk the error is returned untouched so the caller can classify it;
// after bytes went out an in-band error chunk is emitted first and the
// same error returned. A ctx error is returned as-is in both cases.
func (s *Streamer) Run(ctx context.Context, events interfaces.InterceptorStream, p StreamParams, emit func(string)) (*Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pulls := pump(runCtx, events)
	sum := newSummary()
	var con consolidator
	deadline := s.clock.Now().Add(p.Timeout)

	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return s.abort(sum, p, emit, &interfaces.ResponseTimeoutError{Msg: fmt.Sprintf("no completion within %s", p.Timeout)})
		}
		wait := p.Silence
		totalBudget := false
		if wait <= 0 || remaining < wait {
			wait = remaining
			totalBudget = true
		}

		var got pulled
		select {
		case got = <-pulls:
		case <-s.clock.After(wait):
			if totalBudget {
				return s.abort(sum, p, emit, &interfaces.ResponseTimeoutError{Msg: fmt.Sprintf("no completion within %s", p.Timeout)})
			}
			return s.abort(sum, p, emit, &interfaces.UpstreamError{Msg: fmt.Sprintf("upstream silent for %s", p.Silence)})
		case <-ctx.Done():
			return sum, ctx.Err()
		}
		if got.err != nil {
			return sum, got.err
		}

		switch ev := got.ev; ev.Kind {
		case interfaces.StreamBody, interfaces.StreamReason:
			text := con.feed(ev.Kind, ev.Text)
			if text == "" {
				continue
			}
			emit(p.Envelope.ContentChunk(text))
			sum.Chunks++
			sum.Output += text
		case interfaces.StreamFunction:
			sum.SetCalls(ev.Functions)
			emit(p.Envelope.ToolCallsChunk(sum.Calls, sum.CallIDs))
			sum.Chunks++
		case interfaces.StreamDone:
			if sum.empty() {
				return sum, &interfaces.EmptyResponseError{UpstreamError: interfaces.UpstreamError{Msg: "upstream completed without output"}}
			}
			var tally *usage.Tally
			if p.UsageFor != nil {
				tally = p.UsageFor(sum.Output)
			}
			emit(p.Envelope.FinalChunk(sum.FinishReason, tally))
			sum.Chunks++
			return sum, nil
		case interfaces.StreamError:
			return s.abort(sum, p, emit, ev.Err)
		}
	}
}

func (s *Streamer) abort(sum *Summary, p StreamParams, emit func(string), err error) (*Summary, error) {
	if sum.Chunks > 0 {
		emit(ErrorChunk(p.Envelope.ReqID, err.Error()))
	}
	return sum, err
}
