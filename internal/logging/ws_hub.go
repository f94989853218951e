package logging

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	subscriberBuffer = 100
	heartbeatPeriod  = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// LogHub fans log lines out to WebSocket subscribers. Slow subscribers drop
// lines instead of blocking the producers.
type LogHub struct {
	mu          sync.RWMutex
	subscribers map[string]*logSubscriber
	closed      bool
	wg          sync.WaitGroup
}

type logSubscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewLogHub creates an empty hub.
func NewLogHub() *LogHub {
	return &LogHub{subscribers: make(map[string]*logSubscriber)}
}

// Subscribe registers a WebSocket connection and starts its send loop. The
// hub owns the connection from this point and closes it on teardown.
func (h *LogHub) Subscribe(ctx context.Context, id string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &logSubscriber{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	h.subscribers[id] = sub
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sendLoop(sub)
	}()
}

// Unsubscribe removes a subscriber. The send channel is left to the garbage
// collector since producers may still hold references.
func (h *LogHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	sub.cancel()
	delete(h.subscribers, id)
}

// SubscriberCount reports the number of connected subscribers.
func (h *LogHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast delivers one log line to every subscriber, dropping it for
// subscribers whose buffers are full.
func (h *LogHub) Broadcast(line []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subscribers) == 0 {
		return
	}
	for _, sub := range h.subscribers {
		select {
		case sub.sendCh <- line:
		default:
		}
	}
}

func (h *LogHub) sendLoop(sub *logSubscriber) {
	defer func() {
		_ = sub.conn.Close()
		h.Unsubscribe(sub.id)
	}()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-sub.sendCh:
			if err := sub.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sub.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.ctx.Done():
			return
		}
	}
}

func (s *logSubscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		log.Debugf("log hub: dropping subscriber %s: %v", s.id, err)
		return err
	}
	return nil
}

// Close tears the hub down and waits for all send loops to exit.
func (h *LogHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, sub := range h.subscribers {
		sub.cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.subscribers = make(map[string]*logSubscriber)
	h.mu.Unlock()
}
