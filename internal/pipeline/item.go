package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

// ClientProbe reports whether the requesting client is still connected.
// It must be cheap; the queue and the disconnect monitor poll it.
type ClientProbe func() bool

// Outcome is the single result of one request. For streaming requests
// Response stays empty; the payloads already went out over Chunks.
type Outcome struct {
	Response string
	Err      error
}

// Item is one admitted request travelling through the queue. The result
// sink is single-assignment: the first fulfilment wins and later ones
// are dropped, so the disconnect monitor and the worker can race safely.
type Item struct {
	Req        *openai.Request
	Probe      ClientProbe
	EnqueuedAt time.Time

	// Chunks carries SSE payloads (JSON without the "data: " framing)
	// for streaming requests; nil otherwise. Closed by the worker after
	// the sink is fulfilled.
	Chunks chan string

	// Attempts counts how many times the worker has picked this item up.
	Attempts int
	// transientRetries counts first-chunk retries, capped separately so
	// quota re-queues never consume the retry budget.
	transientRetries int

	completion *state.Event
	cancelled  atomic.Bool

	fulfillOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	out         Outcome
}

func newItem(req *openai.Request, probe ClientProbe, now time.Time) *Item {
	it := &Item{
		Req:        req,
		Probe:      probe,
		EnqueuedAt: now,
		completion: state.NewEvent(false),
		done:       make(chan struct{}),
	}
	if req.Stream {
		it.Chunks = make(chan string, 64)
	}
	return it
}

func (it *Item) ReqID() string { return it.Req.ReqID }

// Streaming reports whether the client asked for SSE delivery.
func (it *Item) Streaming() bool { return it.Chunks != nil }

// Cancel marks the item dead and wakes everything waiting on it. Safe to
// call from any goroutine, any number of times.
func (it *Item) Cancel() {
	it.cancelled.Store(true)
	it.completion.Set()
}

func (it *Item) Cancelled() bool { return it.cancelled.Load() }

func (it *Item) fulfill(out Outcome) bool {
	won := false
	it.fulfillOnce.Do(func() {
		it.out = out
		close(it.done)
		won = true
	})
	return won
}

func (it *Item) succeed(body string) bool { return it.fulfill(Outcome{Response: body}) }

func (it *Item) fail(err error) bool { return it.fulfill(Outcome{Err: err}) }

func (it *Item) closeChunks() {
	if it.Chunks == nil {
		return
	}
	it.closeOnce.Do(func() { close(it.Chunks) })
}

// sendChunk delivers one SSE payload, giving up when the request is over.
func (it *Item) sendChunk(ctx context.Context, payload string) bool {
	select {
	case it.Chunks <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

// Await blocks until the sink is fulfilled or ctx is done.
func (it *Item) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-it.done:
		return it.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done is closed once the sink is fulfilled.
func (it *Item) Done() <-chan struct{} { return it.done }
