package interfaces

import "context"

// StreamEventKind classifies events on the per-request interceptor stream.
type StreamEventKind int

const (
	// StreamBody carries new assistant text.
	StreamBody StreamEventKind = iota
	// StreamReason carries new reasoning text.
	StreamReason
	// StreamFunction carries a reconstructed function call.
	StreamFunction
	// StreamDone marks the end of the upstream response. Function calls, if
	// any, are delivered complete before this event.
	StreamDone
	// StreamError carries an upstream failure.
	StreamError
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamBody:
		return "body"
	case StreamReason:
		return "reason"
	case StreamFunction:
		return "function"
	case StreamDone:
		return "done"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// FunctionCall is a reconstructed upstream tool invocation. Arguments holds
// canonical JSON with object keys sorted.
type FunctionCall struct {
	Name      string
	Arguments string
}

// StreamEvent is one event on the per-request interceptor stream.
type StreamEvent struct {
	Kind      StreamEventKind
	Text      string
	Functions []FunctionCall
	Err       error
}

// InterceptorStream exposes one logical upstream response as an ordered
// sequence of events.
type InterceptorStream interface {
	// Next blocks for the next event or until ctx is done.
	Next(ctx context.Context) (StreamEvent, error)
}
