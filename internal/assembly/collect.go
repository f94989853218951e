package assembly

import (
	"context"
	"fmt"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Collect drains one upstream response without emitting chunks. Only the
// total completion budget applies; a unary client cannot observe silence
// gaps, so none are enforced.
func Collect(ctx context.Context, clock interfaces.Clock, events interfaces.InterceptorStream, timeout time.Duration) (*Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pulls := pump(runCtx, events)
	sum := newSummary()
	var con consolidator
	deadline := clock.Now().Add(timeout)

	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return sum, &interfaces.ResponseTimeoutError{Msg: fmt.Sprintf("no completion within %s", timeout)}
		}

		var got pulled
		select {
		case got = <-pulls:
		case <-clock.After(remaining):
			return sum, &interfaces.ResponseTimeoutError{Msg: fmt.Sprintf("no completion within %s", timeout)}
		case <-ctx.Done():
			return sum, ctx.Err()
		}
		if got.err != nil {
			return sum, got.err
		}

		switch ev := got.ev; ev.Kind {
		case interfaces.StreamBody, interfaces.StreamReason:
			sum.Output += con.feed(ev.Kind, ev.Text)
		case interfaces.StreamFunction:
			sum.SetCalls(ev.Functions)
		case interfaces.StreamDone:
			if sum.empty() {
				return sum, &interfaces.EmptyResponseError{UpstreamError: interfaces.UpstreamError{Msg: "upstream completed without output"}}
			}
			return sum, nil
		case interfaces.StreamError:
			return sum, ev.Err
		}
	}
}
