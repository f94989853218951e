package assembly

import (
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
)

// BuildResponse renders the unary completion document for a consolidated
// summary. Seed and response_format echo the client's values when they
// were present on the request.
func BuildResponse(req *openai.Request, env Envelope, sum *Summary, tally usage.Tally) string {
	out := env.base(constant.ObjectChatCompletion)
	out, _ = sjson.Set(out, "choices.0.index", 0)
	out, _ = sjson.Set(out, "choices.0.message.role", constant.RoleAssistant)
	if len(sum.Calls) > 0 {
		ids := sum.CallIDs
		if len(ids) != len(sum.Calls) {
			ids = make([]string, len(sum.Calls))
			for i := range ids {
				ids[i] = NewCallID()
			}
		}
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
		for i, call := range sum.Calls {
			prefix := fmt.Sprintf("choices.0.message.tool_calls.%d", i)
			out, _ = sjson.Set(out, prefix+".id", ids[i])
			out, _ = sjson.Set(out, prefix+".type", "function")
			out, _ = sjson.Set(out, prefix+".function.name", call.Name)
			out, _ = sjson.Set(out, prefix+".function.arguments", call.Arguments)
		}
	} else {
		out, _ = sjson.Set(out, "choices.0.message.content", sum.Output)
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", sum.FinishReason)
	out, _ = sjson.Set(out, "choices.0.native_finish_reason", sum.FinishReason)
	out = setUsage(out, tally)
	if req.Seed != nil {
		out, _ = sjson.Set(out, "seed", *req.Seed)
	}
	if req.ResponseFormat != "" {
		out, _ = sjson.SetRaw(out, "response_format", req.ResponseFormat)
	}
	return out
}
