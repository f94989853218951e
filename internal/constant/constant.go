// Package constant defines shared identifiers used throughout the AI Studio
// proxy: the fingerprint reported in responses, finish reasons, chat roles and
// the launch modes the server can start under.
package constant

const (
	// Fingerprint is reported as system_fingerprint on every completion.
	Fingerprint = "camoufox-proxy"

	// ObjectChatCompletion is the object type of non-streaming responses.
	ObjectChatCompletion = "chat.completion"

	// ObjectChatCompletionChunk is the object type of streaming chunks.
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// Finish reasons used in choices[0].finish_reason.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Chat roles accepted in request messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Launch modes selected by the LAUNCH_MODE environment variable.
const (
	LaunchHeadless        = "headless"
	LaunchDebug           = "debug"
	LaunchVirtualHeadless = "virtual_headless"
	LaunchNoBrowser       = "direct_debug_no_browser"
)
