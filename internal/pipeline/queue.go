package pipeline

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// headPruneWindow bounds how deep the pre-pop disconnect sweep looks.
// Probing every entry on every pop would make long queues quadratic.
const headPruneWindow = 10

// queue is the FIFO behind the single worker. pushFront exists solely
// for requests unwound by a quota hit or a first-chunk retry; they keep
// their position so ordering between distinct clients never changes.
type queue struct {
	mu     sync.Mutex
	items  []*Item
	wake   chan struct{}
	onDrop func(*Item)
}

func newQueue(onDrop func(*Item)) *queue {
	return &queue{wake: make(chan struct{}, 1), onDrop: onDrop}
}

func (q *queue) push(it *Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pushFront(it *Item) {
	q.mu.Lock()
	q.items = append([]*Item{it}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.ReqID())
	}
	return out
}

// remove detaches an item by request id without fulfilling it.
func (q *queue) remove(reqID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ReqID() == reqID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it
		}
	}
	return nil
}

// pop blocks until an item is available, pruning disconnected clients
// from the head window first. Pruned items are failed with a disconnect
// error so their handlers unblock immediately.
func (q *queue) pop(ctx context.Context, shutdown <-chan struct{}) (*Item, error) {
	for {
		q.mu.Lock()
		q.pruneLocked()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-shutdown:
			return nil, context.Canceled
		}
	}
}

func (q *queue) pruneLocked() {
	kept := q.items[:0]
	for i, it := range q.items {
		if i < headPruneWindow && (it.Cancelled() || !it.Probe()) {
			log.Infof("request %s: client gone while queued, dropping", it.ReqID())
			it.Cancel()
			it.fail(&interfaces.ClientDisconnectedError{Msg: "client disconnected while queued"})
			it.closeChunks()
			if q.onDrop != nil {
				q.onDrop(it)
			}
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}
