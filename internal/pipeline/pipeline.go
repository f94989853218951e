// Package pipeline serializes every chat completion through one queue
// and one worker. The browser page is a single shared resource; nothing
// about it is safe to drive concurrently, so admission control, FIFO
// ordering, disconnect handling and quota unwinding all live here.
package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interceptor"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/quota"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/rotation"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/snapshot"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
)

// Rotator runs one profile rotation. Satisfied by rotation.Coordinator.
type Rotator interface {
	Perform(ctx context.Context) error
}

// StreamSource hands the worker one event stream per request. Satisfied
// by the interceptor manager through NewManagerSource; nil switches the
// worker to direct page polling.
type StreamSource interface {
	BeginRequest(reqID string) interfaces.InterceptorStream
	EndRequest(reqID string)
}

type managerSource struct {
	m *interceptor.Manager
}

func (s managerSource) BeginRequest(reqID string) interfaces.InterceptorStream {
	return s.m.BeginRequest(reqID)
}

func (s managerSource) EndRequest(reqID string) { s.m.EndRequest(reqID) }

// NewManagerSource adapts the interceptor manager to the worker.
func NewManagerSource(m *interceptor.Manager) StreamSource {
	return managerSource{m: m}
}

// Deps bundles the collaborators the pipeline drives. Nil optional
// fields disable the matching concern.
type Deps struct {
	Config     *config.Config
	State      *state.RuntimeState
	Page       interfaces.PageController
	Streams    StreamSource
	Rotator    Rotator
	Accountant *quota.Accountant
	Estimator  *usage.Estimator
	Snapshots  *snapshot.Store
	Refresher  *rotation.Refresher
	ReqLog     logging.RequestLogger
	Tools      *ToolExecutor
}

// Pipeline is the admission surface in front of the single worker.
type Pipeline struct {
	d    Deps
	gate *state.ParkingGate
	q    *queue
	wrk  *worker

	mu       sync.Mutex
	inflight map[string]*Item
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		d:        d,
		gate:     state.NewParkingGate(d.State),
		inflight: make(map[string]*Item),
	}
	p.q = newQueue(func(it *Item) { p.untrack(it.ReqID()) })
	p.wrk = newWorker(p)
	return p
}

// Run drives the queue worker until ctx is cancelled or shutdown is
// requested.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.wrk.run(ctx)
}

// LockedRotator wraps the configured rotator so rotations triggered from
// outside the worker wait for the in-flight request to finish first.
func (p *Pipeline) LockedRotator() quota.Rotator {
	return &lockedRotator{mu: &p.wrk.procMu, rot: p.d.Rotator}
}

type lockedRotator struct {
	mu  *sync.Mutex
	rot Rotator
}

func (l *lockedRotator) Perform(ctx context.Context) error {
	if l.rot == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rot.Perform(ctx)
}

// Submit validates and enqueues one request. It blocks in the parking
// gate while a rotation is resolving, assigns the request id, and
// returns the queue item the handler waits on.
func (p *Pipeline) Submit(ctx context.Context, raw []byte, probe ClientProbe) (*Item, error) {
	req, err := openai.ParseRequest(raw)
	if err != nil {
		return nil, err
	}
	req.ReqID = newReqID()
	if req.ModelID == "" {
		req.ModelID = p.d.Config.DefaultModel
	}
	if req.ModelID == "" {
		return nil, &interfaces.InvalidModelError{Msg: "no model requested and no default configured"}
	}
	if probe == nil {
		probe = func() bool { return true }
	}

	if err := p.gate.Wait(ctx); err != nil {
		return nil, err
	}
	if p.d.State.IsShuttingDown() {
		return nil, &interfaces.PageNotReadyError{Msg: "service is shutting down"}
	}

	it := newItem(req, probe, p.d.State.Clock().Now())
	p.track(it)
	p.q.push(it)
	return it, nil
}

// Cancel aborts a queued or in-flight request by id. Returns false when
// the id is unknown (finished requests are forgotten immediately).
func (p *Pipeline) Cancel(reqID string) bool {
	p.mu.Lock()
	it := p.inflight[reqID]
	p.mu.Unlock()
	if it == nil {
		return false
	}
	it.Cancel()
	if removed := p.q.remove(reqID); removed != nil {
		removed.fail(&interfaces.ClientDisconnectedError{Msg: "request cancelled"})
		removed.closeChunks()
		p.untrack(reqID)
	}
	return true
}

// Snapshot reports queue and worker state for the management surface.
type Snapshot struct {
	QueueLength     int      `json:"queue_length"`
	Queued          []string `json:"queued_req_ids"`
	WorkerState     string   `json:"worker_state"`
	ProcessingReqID string   `json:"processing_req_id,omitempty"`
	CanarySkips     int64    `json:"canary_skips"`
	LastSnapshotKey string   `json:"last_snapshot_key,omitempty"`
}

func (p *Pipeline) Snapshot() Snapshot {
	st, reqID := p.wrk.currentState()
	snap := Snapshot{
		QueueLength:     p.q.len(),
		Queued:          p.q.ids(),
		WorkerState:     st,
		ProcessingReqID: reqID,
		CanarySkips:     p.d.State.CanarySkips(),
	}
	if p.d.Snapshots != nil {
		snap.LastSnapshotKey = p.d.Snapshots.LastKey()
	}
	return snap
}

func (p *Pipeline) track(it *Item) {
	p.mu.Lock()
	p.inflight[it.ReqID()] = it
	p.mu.Unlock()
}

func (p *Pipeline) untrack(reqID string) {
	p.mu.Lock()
	delete(p.inflight, reqID)
	p.mu.Unlock()
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
