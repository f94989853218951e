package assembly

import (
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
)

// Envelope carries the identity fields every payload of one response
// shares: the completion id, the creation timestamp, and the model the
// client asked for (echoed back verbatim).
type Envelope struct {
	ReqID   string
	ID      string
	Created int64
	Model   string
}

// NewEnvelope derives the response identity from the request id and the
// moment the response started.
func NewEnvelope(reqID, model string, now time.Time) Envelope {
	created := now.Unix()
	return Envelope{
		ReqID:   reqID,
		ID:      fmt.Sprintf("chatcmpl-%s-%d", reqID, created),
		Created: created,
		Model:   model,
	}
}

func (e Envelope) base(object string) string {
	out, _ := sjson.Set("{}", "id", e.ID)
	out, _ = sjson.Set(out, "object", object)
	out, _ = sjson.Set(out, "created", e.Created)
	out, _ = sjson.Set(out, "model", e.Model)
	out, _ = sjson.Set(out, "system_fingerprint", constant.Fingerprint)
	return out
}

// ContentChunk renders one SSE delta carrying new assistant text.
func (e Envelope) ContentChunk(text string) string {
	out := e.base(constant.ObjectChatCompletionChunk)
	out, _ = sjson.Set(out, "choices.0.index", 0)
	out, _ = sjson.Set(out, "choices.0.delta.content", text)
	out, _ = sjson.SetRaw(out, "choices.0.finish_reason", "null")
	return out
}

// ToolCallsChunk renders the delta carrying every reconstructed call.
// ids must be index-aligned with calls.
func (e Envelope) ToolCallsChunk(calls []interfaces.FunctionCall, ids []string) string {
	out := e.base(constant.ObjectChatCompletionChunk)
	out, _ = sjson.Set(out, "choices.0.index", 0)
	for i, call := range calls {
		prefix := fmt.Sprintf("choices.0.delta.tool_calls.%d", i)
		out, _ = sjson.Set(out, prefix+".index", i)
		out, _ = sjson.Set(out, prefix+".id", ids[i])
		out, _ = sjson.Set(out, prefix+".type", "function")
		out, _ = sjson.Set(out, prefix+".function.name", call.Name)
		out, _ = sjson.Set(out, prefix+".function.arguments", call.Arguments)
	}
	out, _ = sjson.SetRaw(out, "choices.0.finish_reason", "null")
	return out
}

// FinalChunk closes the stream with the finish reason and, when a tally
// is supplied, the usage block.
func (e Envelope) FinalChunk(finishReason string, tally *usage.Tally) string {
	out := e.base(constant.ObjectChatCompletionChunk)
	out, _ = sjson.Set(out, "choices.0.index", 0)
	out, _ = sjson.SetRaw(out, "choices.0.delta", "{}")
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	if tally != nil {
		out = setUsage(out, *tally)
	}
	return out
}

// ErrorChunk is the in-band error envelope for streams that already
// delivered bytes; the HTTP status can no longer change, so the failure
// travels as a data payload keyed by the request id.
func ErrorChunk(reqID, message string) string {
	out, _ := sjson.Set("{}", "error.message", message)
	out, _ = sjson.Set(out, "error.type", "server_error")
	out, _ = sjson.SetRaw(out, "error.param", "null")
	out, _ = sjson.Set(out, "error.code", reqID)
	return out
}

func setUsage(doc string, tally usage.Tally) string {
	doc, _ = sjson.Set(doc, "usage.prompt_tokens", tally.PromptTokens)
	doc, _ = sjson.Set(doc, "usage.completion_tokens", tally.CompletionTokens)
	doc, _ = sjson.Set(doc, "usage.total_tokens", tally.TotalTokens)
	return doc
}
