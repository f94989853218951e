// Package assembly turns intercepted upstream events into the
// OpenAI-compatible response surface: SSE chunk payloads for streaming
// requests and a single completion document for unary ones. Both paths
// share one consolidation rule so the concatenated stream always equals
// the unary body for the same upstream events.
package assembly

import (
	"strings"

	"github.com/google/uuid"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Summary is the consolidated outcome of one upstream response.
type Summary struct {
	// Output is the full assistant text, reasoning first when present,
	// separated from the answer by one blank line.
	Output string
	// Calls holds reconstructed function calls, already deduplicated by
	// the interceptor.
	Calls []interfaces.FunctionCall
	// CallIDs are the generated call_* ids, index-aligned with Calls.
	CallIDs []string
	// Chunks counts SSE payloads emitted so far; zero means the client
	// has not seen a single byte and the request may still be retried
	// or failed with a plain HTTP status.
	Chunks int
	// FinishReason is "stop" unless function calls ended the turn.
	FinishReason string
}

func newSummary() *Summary {
	return &Summary{FinishReason: constant.FinishStop}
}

// TextSummary wraps already-consolidated text, for responses read
// straight off the page instead of through the interceptor.
func TextSummary(text string) *Summary {
	s := newSummary()
	s.Output = text
	return s
}

func (s *Summary) empty() bool {
	return s.Output == "" && len(s.Calls) == 0
}

// SetCalls records the reconstructed calls, mints their ids, and flips
// the finish reason to tool_calls.
func (s *Summary) SetCalls(calls []interfaces.FunctionCall) {
	s.Calls = calls
	s.CallIDs = make([]string, len(calls))
	for i := range calls {
		s.CallIDs[i] = NewCallID()
	}
	s.FinishReason = constant.FinishToolCalls
}

// NewCallID mints an OpenAI-style tool call id.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// consolidator merges reasoning and body fragments into one assistant
// text. Reasoning fragments pass through as they arrive; the first body
// fragment after reasoning is prefixed with a blank line so the two
// sections stay visually separated.
type consolidator struct {
	sawReason bool
	sawBody   bool
}

func (c *consolidator) feed(kind interfaces.StreamEventKind, text string) string {
	switch kind {
	case interfaces.StreamReason:
		c.sawReason = true
		return text
	case interfaces.StreamBody:
		sep := ""
		if c.sawReason && !c.sawBody && text != "" {
			sep = "\n\n"
		}
		if text != "" {
			c.sawBody = true
		}
		return sep + text
	}
	return ""
}
