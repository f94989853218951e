package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

const (
	// Streaming clients are polled faster but forgiven transient probe
	// blips; tearing down an in-flight generation is expensive.
	streamPollInterval  = 200 * time.Millisecond
	streamFailThreshold = 3
	// Unary clients have nothing partial to lose; one failed probe ends
	// the request.
	unaryPollInterval  = 300 * time.Millisecond
	unaryFailThreshold = 1

	cancelGenerationTimeout = 5 * time.Second
)

// monitor watches the client connection while its request is being
// processed. On a confirmed disconnect it cancels the item, which in
// turn unwinds the worker through the request context.
type monitor struct {
	clock interfaces.Clock
	it    *Item
	page  interfaces.PageController
}

func (m *monitor) run(ctx context.Context) {
	interval, threshold := unaryPollInterval, unaryFailThreshold
	if m.it.Streaming() {
		interval, threshold = streamPollInterval, streamFailThreshold
	}
	failures := 0
	for {
		if err := m.clock.Sleep(ctx, interval); err != nil {
			return
		}
		if m.it.completion.IsSet() {
			return
		}
		if m.it.Probe() {
			failures = 0
			continue
		}
		failures++
		if failures < threshold {
			continue
		}

		log.Warnf("request %s: client disconnected mid-flight", m.it.ReqID())
		m.it.Cancel()
		if m.it.Streaming() && m.page != nil {
			cctx, cancel := context.WithTimeout(context.Background(), cancelGenerationTimeout)
			if err := m.page.CancelGeneration(cctx); err != nil {
				log.Warnf("request %s: cancel generation failed: %v", m.it.ReqID(), err)
			}
			cancel()
		}
		if !m.it.Streaming() {
			m.it.fail(&interfaces.ClientDisconnectedError{Msg: "client disconnected during processing"})
		}
		return
	}
}
