// Package interceptor reconstructs model output from captured AI Studio
// network traffic. A companion process taps the page's connections and
// forwards every response segment to the feed listener; the manager
// reassembles each connection's byte stream, decodes its framing and
// encoding, scans for generate-content payloads and publishes structured
// events on the stream of the request currently holding the page.
package interceptor

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

const (
	// maxBufferBytes bounds the per-connection reassembly buffer. A
	// connection that exceeds it is reset rather than allowed to grow
	// without limit.
	maxBufferBytes = 10 << 20

	// staleDoneWindow is how long after a profile rotation an empty
	// terminator is treated as leftover traffic from the previous
	// profile and discarded.
	staleDoneWindow = 45 * time.Second

	// FramingChunked marks segments that still carry HTTP/1.1 chunked
	// framing; FramingRaw marks segments already stripped by the tap.
	FramingChunked = "chunked"
	FramingRaw     = "raw"

	// EventData is a normal segment push; EventEOF marks the last
	// segment of a connection.
	EventData = "data"
	EventEOF  = "eof"
)

// anchorRe locates generate-content payload envelopes inside the decoded
// connection text. Matches are scanned left to right and each position is
// consumed at most once.
var anchorRe = regexp.MustCompile(`\[\[\[null,.*?]],"model"]`)

var quotaMarkers = []string{"exceeded quota", "RESOURCE_EXHAUSTED"}

const rateLimitMarker = "Failed to generate content"

type connState struct {
	url         string
	encoding    string
	framing     string
	raw         []byte
	scanOffset  int
	doneEmitted bool
}

// Manager owns the per-connection reassembly state and the stream of the
// in-flight request. Segments that arrive while no request is active are
// discarded.
type Manager struct {
	st    *state.RuntimeState
	clock interfaces.Clock

	mu      sync.Mutex
	conns   map[string]*connState
	current *Stream
}

func NewManager(st *state.RuntimeState) *Manager {
	return &Manager{
		st:    st,
		clock: st.Clock(),
		conns: make(map[string]*connState),
	}
}

// BeginRequest discards all connection scan state and opens a fresh
// stream for reqID. Any previous stream stops receiving events.
func (m *Manager) BeginRequest(reqID string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = make(map[string]*connState)
	m.current = newStream(reqID)
	m.st.SetCurrentStreamReqID(reqID)
	return m.current
}

// EndRequest detaches the stream if it is still the current one. Late
// segments for the finished request are then ignored.
func (m *Manager) EndRequest(reqID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.reqID == reqID {
		m.current = nil
		m.st.SetCurrentStreamReqID("")
	}
}

// HandleUpstream ingests one captured segment. connID identifies the
// upstream connection, rawURL is the request URL the tap observed, and
// event distinguishes ordinary data from the connection's end.
func (m *Manager) HandleUpstream(connID, rawURL, encoding, framing, event string, data []byte) {
	if isJSErrorURL(rawURL) {
		m.handleJSError(rawURL, data)
		return
	}
	if !isGenerateURL(rawURL) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.conns[connID]
	if !ok {
		cs = &connState{url: rawURL, encoding: encoding, framing: framing}
		m.conns[connID] = cs
	}
	if cs.doneEmitted {
		return
	}
	cs.raw = append(cs.raw, data...)
	if len(cs.raw) > maxBufferBytes {
		log.Warnf("interceptor: connection %s buffer exceeded %d bytes, resetting", connID, maxBufferBytes)
		cs.raw = nil
		cs.scanOffset = 0
		return
	}

	var body []byte
	var done bool
	if cs.framing == FramingRaw {
		body = cs.raw
		done = event == EventEOF
	} else {
		body, done = DecodeChunked(cs.raw)
		done = done || event == EventEOF
	}
	text := Inflate(cs.encoding, body)
	if len(text) > maxBufferBytes {
		log.Warnf("interceptor: connection %s decoded buffer exceeded %d bytes, resetting", connID, maxBufferBytes)
		cs.raw = nil
		cs.scanOffset = 0
		return
	}

	m.scanLocked(cs, text, done)
}

// scanLocked walks the decoded text from the connection's last consumed
// offset, dispatching every anchored payload in order. The offset only
// advances past complete matches so a partial envelope at the tail is
// retried once more bytes arrive.
func (m *Manager) scanLocked(cs *connState, text []byte, done bool) {
	stream := m.current
	if stream == nil {
		if done {
			cs.doneEmitted = true
		}
		return
	}

	if cs.scanOffset > len(text) {
		// Buffer was reset upstream of us; start over.
		cs.scanOffset = 0
	}
	rest := text[cs.scanOffset:]
	for {
		loc := anchorRe.FindIndex(rest)
		if loc == nil {
			break
		}
		m.dispatch(stream, rest[loc[0]:loc[1]])
		rest = rest[loc[1]:]
		cs.scanOffset += loc[1]
	}

	if done && !cs.doneEmitted {
		cs.doneEmitted = true
		m.finishLocked(stream)
	}
}

// dispatch classifies one matched envelope. The payload is the first
// element of the first element of the match; its arity decides whether it
// carries body text, reasoning text or a function call.
func (m *Manager) dispatch(stream *Stream, match []byte) {
	payload := gjson.GetBytes(match, "0.0")
	if !payload.IsArray() {
		return
	}
	elems := payload.Array()
	switch {
	case len(elems) == 2:
		if elems[1].Type == gjson.String {
			stream.publishBody(elems[1].String())
		}
	case len(elems) == 11 && elems[1].Type == gjson.Null && elems[10].IsArray():
		m.dispatchFunction(stream, elems[10])
	case len(elems) > 2:
		if elems[1].Type != gjson.Null && elems[1].Type == gjson.String {
			stream.publishReason(elems[1].String())
		}
	}
}

func (m *Manager) dispatchFunction(stream *Stream, fn gjson.Result) {
	parts := fn.Array()
	if len(parts) == 0 || parts[0].Type != gjson.String {
		return
	}
	name := parts[0].String()
	args := "{}"
	if len(parts) > 1 {
		decoded, err := DecodeFunctionArgs([]byte(parts[1].Raw))
		if err != nil {
			log.Debugf("interceptor: undecodable arguments for function %s: %v", name, err)
		} else {
			args = decoded
		}
	}
	stream.addFunction(name, args)
}

// finishLocked applies the stale-terminator guard before completing the
// stream: an empty done arriving shortly after a rotation is leftover
// traffic from the previous profile, not an answer to the new request.
func (m *Manager) finishLocked(stream *Stream) {
	if !stream.HadContent() && stream.functionCount() == 0 {
		if last := m.st.LastRotationAt(); !last.IsZero() && m.clock.Now().Sub(last) < staleDoneWindow {
			log.Warnf("interceptor: dropping empty terminator for request %s arriving %s after rotation",
				stream.reqID, m.clock.Now().Sub(last).Round(time.Millisecond))
			return
		}
	}
	stream.finish()
}

// handleJSError inspects page-reported error beacons. Quota and rate
// limit markers flip the shared quota state and abort the in-flight
// stream so the worker can rotate and retry.
func (m *Manager) handleJSError(rawURL string, data []byte) {
	text := decodeJSError(rawURL, data)
	kind := classifyJSError(text)
	if kind == state.ErrorKindNone {
		return
	}

	model := m.st.CurrentModel()
	log.Warnf("interceptor: page reported %s for model %q", kind, model)
	m.st.FlagQuotaExceeded(kind, model)

	m.mu.Lock()
	stream := m.current
	m.mu.Unlock()
	if stream == nil {
		return
	}
	if kind == state.ErrorKindRateLimit {
		stream.fail(&interfaces.RateLimitError{Msg: "upstream rejected the request: rate limited"})
		return
	}
	stream.fail(&interfaces.QuotaExceededError{
		Msg:   "upstream rejected the request: quota exhausted",
		Model: model,
	})
}

func decodeJSError(rawURL string, data []byte) string {
	var b strings.Builder
	if u, err := url.Parse(rawURL); err == nil {
		if q, err := url.QueryUnescape(u.RawQuery); err == nil {
			b.WriteString(q)
		} else {
			b.WriteString(u.RawQuery)
		}
	} else {
		b.WriteString(rawURL)
	}
	if len(data) > 0 {
		b.WriteByte('\n')
		if body, err := url.QueryUnescape(string(data)); err == nil {
			b.WriteString(body)
		} else {
			b.Write(data)
		}
	}
	return b.String()
}

func classifyJSError(text string) state.ErrorKind {
	for _, marker := range quotaMarkers {
		if strings.Contains(text, marker) {
			return state.ErrorKindQuotaExceeded
		}
	}
	if strings.Contains(text, rateLimitMarker) {
		return state.ErrorKindRateLimit
	}
	return state.ErrorKindNone
}

func isJSErrorURL(rawURL string) bool {
	return strings.Contains(rawURL, "jserror")
}

func isGenerateURL(rawURL string) bool {
	return strings.Contains(rawURL, "GenerateContent") || strings.Contains(rawURL, "generateContent")
}
