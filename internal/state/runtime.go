package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// ErrorKind classifies the last upstream failure for cooldown assignment.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindRateLimit     ErrorKind = "rate_limit"
	ErrorKindQuotaExceeded ErrorKind = "quota_exceeded"
)

const debugRingSize = 1000

// RuntimeState is the single process-wide holder of quota and rotation
// flags. Events carry the cross-task signalling; the mutex guards the plain
// fields. All methods are safe for concurrent use.
type RuntimeState struct {
	clock interfaces.Clock

	// rotationLock set means requests may proceed; the rotation coordinator
	// clears it for the duration of a rotation attempt.
	rotationLock *Event

	// recoveryEvent set means no recovery is in progress.
	recoveryEvent *Event

	// quotaSignal wakes the quota watchdog; re-armed by the watchdog after
	// each handled trigger.
	quotaSignal *Event

	// shutdown is set once and never cleared.
	shutdown *Event

	mu                 sync.Mutex
	quotaExceeded      bool
	lastErrorKind      ErrorKind
	perModelTokens     map[string]int64
	exhaustedModels    map[string]struct{}
	needsRotation      bool
	lastRotationAt     time.Time
	currentStreamReqID string
	currentModel       string
	currentProfile     string

	queuedRequests atomic.Int64
	canarySkips    atomic.Int64

	ringMu   sync.Mutex
	ring     []string
	ringNext int
	ringFull bool
}

// NewRuntimeState creates the runtime state with the rotation lock set and
// no quota flagged.
func NewRuntimeState(clock interfaces.Clock) *RuntimeState {
	if clock == nil {
		clock = interfaces.SystemClock{}
	}
	return &RuntimeState{
		clock:           clock,
		rotationLock:    NewEvent(true),
		recoveryEvent:   NewEvent(true),
		quotaSignal:     NewEvent(false),
		shutdown:        NewEvent(false),
		perModelTokens:  make(map[string]int64),
		exhaustedModels: make(map[string]struct{}),
		ring:            make([]string, debugRingSize),
	}
}

// Clock returns the clock the state was built with.
func (s *RuntimeState) Clock() interfaces.Clock { return s.clock }

// RotationLock returns the gate event cleared during rotations.
func (s *RuntimeState) RotationLock() *Event { return s.rotationLock }

// RecoveryEvent returns the event cleared while the watchdog is recovering.
func (s *RuntimeState) RecoveryEvent() *Event { return s.recoveryEvent }

// QuotaSignal returns the event that wakes the quota watchdog.
func (s *RuntimeState) QuotaSignal() *Event { return s.quotaSignal }

// FlagQuotaExceeded records an upstream quota or rate-limit failure and
// wakes the watchdog. model is added to the exhausted set when the kind is
// quota_exceeded and the id is non-empty.
func (s *RuntimeState) FlagQuotaExceeded(kind ErrorKind, model string) {
	s.mu.Lock()
	s.quotaExceeded = true
	s.lastErrorKind = kind
	if kind == ErrorKindQuotaExceeded && model != "" {
		s.exhaustedModels[model] = struct{}{}
	}
	s.mu.Unlock()
	s.quotaSignal.Set()
}

// QuotaExceeded reports whether the quota flag is raised.
func (s *RuntimeState) QuotaExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaExceeded
}

// LastErrorKind returns the classification of the most recent failure.
func (s *RuntimeState) LastErrorKind() ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorKind
}

// AddTokens accumulates usage for a model and returns the new total.
func (s *RuntimeState) AddTokens(model string, n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perModelTokens[model] += n
	return s.perModelTokens[model]
}

// TokensFor returns the accumulated token count for a model.
func (s *RuntimeState) TokensFor(model string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perModelTokens[model]
}

// ExhaustModel marks a model as exhausted on the current profile.
func (s *RuntimeState) ExhaustModel(model string) {
	if model == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhaustedModels[model] = struct{}{}
}

// ExhaustedModels returns a copy of the exhausted model set.
func (s *RuntimeState) ExhaustedModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	models := make([]string, 0, len(s.exhaustedModels))
	for m := range s.exhaustedModels {
		models = append(models, m)
	}
	return models
}

// SetNeedsRotation marks that a rotation should run between requests.
func (s *RuntimeState) SetNeedsRotation(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsRotation = v
}

// NeedsRotation reports whether a between-requests rotation is pending.
func (s *RuntimeState) NeedsRotation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRotation
}

// ResetQuota clears the quota flag, the per-model counters, the exhausted
// set and the pending-rotation mark.
func (s *RuntimeState) ResetQuota() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaExceeded = false
	s.lastErrorKind = ErrorKindNone
	s.perModelTokens = make(map[string]int64)
	s.exhaustedModels = make(map[string]struct{})
	s.needsRotation = false
}

// ForceResetQuota clears only the exceeded flag; used by the watchdog when
// the flag survives a rotation for any reason.
func (s *RuntimeState) ForceResetQuota() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaExceeded = false
}

// MarkRotationSuccess resets the quota state and timestamps the rotation.
func (s *RuntimeState) MarkRotationSuccess() {
	now := s.clock.Now()
	s.mu.Lock()
	s.quotaExceeded = false
	s.lastErrorKind = ErrorKindNone
	s.perModelTokens = make(map[string]int64)
	s.exhaustedModels = make(map[string]struct{})
	s.needsRotation = false
	s.lastRotationAt = now
	s.mu.Unlock()
}

// LastRotationAt returns the time of the most recent successful rotation.
func (s *RuntimeState) LastRotationAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRotationAt
}

// SetRecovering flips the recovery event. The event doubles as the flag:
// cleared means a recovery is in progress.
func (s *RuntimeState) SetRecovering(v bool) {
	if v {
		s.recoveryEvent.Clear()
	} else {
		s.recoveryEvent.Set()
	}
}

// IsRecovering reports whether the watchdog is mid-recovery.
func (s *RuntimeState) IsRecovering() bool {
	return !s.recoveryEvent.IsSet()
}

// SetCurrentStreamReqID records which request owns the live upstream stream.
func (s *RuntimeState) SetCurrentStreamReqID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStreamReqID = id
}

// CurrentStreamReqID returns the request id owning the live stream.
func (s *RuntimeState) CurrentStreamReqID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStreamReqID
}

// SetCurrentModel records the model the page is switched to.
func (s *RuntimeState) SetCurrentModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentModel = model
}

// CurrentModel returns the model the page is switched to.
func (s *RuntimeState) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModel
}

// SetCurrentProfile records the active auth profile path.
func (s *RuntimeState) SetCurrentProfile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProfile = path
}

// CurrentProfile returns the active auth profile path.
func (s *RuntimeState) CurrentProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProfile
}

// IncQueued counts a request entering the parking gate.
func (s *RuntimeState) IncQueued() { s.queuedRequests.Add(1) }

// DecQueued counts a request leaving the parking gate.
func (s *RuntimeState) DecQueued() { s.queuedRequests.Add(-1) }

// QueuedCount returns the number of requests waiting at the gate.
func (s *RuntimeState) QueuedCount() int64 { return s.queuedRequests.Load() }

// IncCanarySkips counts a rotation that could not be canary-validated.
func (s *RuntimeState) IncCanarySkips() { s.canarySkips.Add(1) }

// CanarySkips returns the canary-skip counter.
func (s *RuntimeState) CanarySkips() int64 { return s.canarySkips.Load() }

// Shutdown sets the process-wide shutdown flag. Irrevocable.
func (s *RuntimeState) Shutdown() { s.shutdown.Set() }

// IsShuttingDown reports whether shutdown was requested.
func (s *RuntimeState) IsShuttingDown() bool { return s.shutdown.IsSet() }

// ShutdownChan returns a channel closed once shutdown is requested.
func (s *RuntimeState) ShutdownChan() <-chan struct{} { return s.shutdown.Done() }

// AppendDebugLog adds a line to the bounded debug ring. Matches the
// logging.LineSink signature so it can be attached as a log sink.
func (s *RuntimeState) AppendDebugLog(line string) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.ring[s.ringNext] = line
	s.ringNext++
	if s.ringNext == len(s.ring) {
		s.ringNext = 0
		s.ringFull = true
	}
}

// RecentDebugLogs returns up to n of the most recent log lines, oldest
// first.
func (s *RuntimeState) RecentDebugLogs(n int) []string {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	size := s.ringNext
	if s.ringFull {
		size = len(s.ring)
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := s.ringNext - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}
