package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

// ToolArgsFromText extracts the first balanced {...} span that parses as
// a JSON object. The scan is string-aware, so braces inside JSON strings
// do not end a span early. Returns "{}" when no object is found.
func ToolArgsFromText(text string) string {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		if end := balancedObjectEnd(text, start); end > start {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	return "{}"
}

// balancedObjectEnd returns the index of the brace closing the object
// opened at start, or -1 when the span never balances.
func balancedObjectEnd(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ToolHandler executes one locally registered tool.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolExecutor dispatches local tool calls. In-process handlers win;
// everything else goes to the configured MCP endpoint over HTTP.
type ToolExecutor struct {
	cfg    *config.Config
	client *http.Client

	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

func NewToolExecutor(cfg *config.Config) *ToolExecutor {
	timeout := time.Duration(cfg.MCPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ToolExecutor{
		cfg:      cfg,
		client:   util.SetProxy(cfg, &http.Client{Timeout: timeout}),
		handlers: make(map[string]ToolHandler),
	}
}

// Register installs an in-process handler for name.
func (t *ToolExecutor) Register(name string, h ToolHandler) {
	t.mu.Lock()
	t.handlers[name] = h
	t.mu.Unlock()
}

// Execute runs the named tool with the extracted arguments. The caller's
// context cancels both in-process handlers and the MCP call.
func (t *ToolExecutor) Execute(ctx context.Context, name, args string) (string, error) {
	t.mu.RLock()
	h := t.handlers[name]
	t.mu.RUnlock()
	if h != nil {
		return h(ctx, args)
	}
	if t.cfg.MCPEndpoint == "" {
		return "", fmt.Errorf("tool %q: no local handler and no MCP endpoint configured", name)
	}
	return t.executeMCP(ctx, name, args)
}

func (t *ToolExecutor) executeMCP(ctx context.Context, name, args string) (string, error) {
	body, _ := sjson.Set("{}", "name", name)
	if !gjson.Valid(args) {
		args = "{}"
	}
	body, _ = sjson.SetRaw(body, "arguments", args)

	endpoint := strings.TrimSuffix(t.cfg.MCPEndpoint, "/") + "/tools/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("tool %q: build MCP request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool %q: MCP call failed: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("tool %q: read MCP response: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Warnf("tool %q: MCP endpoint returned %d", name, resp.StatusCode)
		return "", fmt.Errorf("tool %q: MCP endpoint returned %d", name, resp.StatusCode)
	}
	return string(payload), nil
}
