package logging

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LineSink receives one formatted log line. Sinks must not block.
type LineSink func(line string)

// BroadcastHook mirrors every log entry to registered sinks (the debug ring
// and the WebSocket hub). It formats entries itself so sinks see the same
// line regardless of the logger's output destination.
type BroadcastHook struct {
	mu    sync.RWMutex
	sinks []LineSink
}

// NewBroadcastHook creates an empty hook; sinks are attached later during
// service assembly.
func NewBroadcastHook() *BroadcastHook {
	return &BroadcastHook{}
}

// AddSink registers a sink for future entries.
func (h *BroadcastHook) AddSink(sink LineSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Levels implements logrus.Hook.
func (h *BroadcastHook) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (h *BroadcastHook) Fire(entry *log.Entry) error {
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	if len(sinks) == 0 {
		return nil
	}

	line := fmt.Sprintf("[%s] [%s] %s", entry.Time.Format("2006-01-02 15:04:05"), entry.Level, entry.Message)
	for _, sink := range sinks {
		sink(line)
	}
	return nil
}
