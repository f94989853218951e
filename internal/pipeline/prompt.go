package pipeline

import (
	"strings"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
)

var roleLabels = map[string]string{
	constant.RoleUser:      "User",
	constant.RoleAssistant: "Assistant",
	constant.RoleTool:      "Tool",
}

// BuildPrompt flattens the conversation into the single text submitted
// to the page. System prompts are hoisted to the front; the remaining
// turns carry role labels whenever more than one party speaks, so the
// dialogue stays reconstructable from plain text. A bare user-only
// exchange goes through untouched.
func BuildPrompt(messages []openai.Message) string {
	type turn struct{ role, text string }
	var system []string
	var turns []turn
	tagged := false
	for i := range messages {
		text := strings.TrimSpace(messages[i].PlainText())
		if text == "" {
			continue
		}
		role := messages[i].Role
		if role == constant.RoleSystem {
			system = append(system, text)
			continue
		}
		if role != constant.RoleUser {
			tagged = true
		}
		turns = append(turns, turn{role: role, text: text})
	}

	var b strings.Builder
	for _, s := range system {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	for i, tn := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		if tagged {
			b.WriteString(roleLabels[tn.role])
			b.WriteString(": ")
		}
		b.WriteString(tn.text)
	}
	return strings.TrimSpace(b.String())
}
