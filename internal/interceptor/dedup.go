package interceptor

import (
	"encoding/json"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// functionDedup suppresses repeated function-call payloads across chunks of
// one logical response. The key is the function name plus the canonical JSON
// of the arguments, so re-sent payloads with reordered object keys still
// collapse.
type functionDedup struct {
	seen  map[string]struct{}
	calls []interfaces.FunctionCall
}

func newFunctionDedup() *functionDedup {
	return &functionDedup{seen: make(map[string]struct{})}
}

// add records a call unless an identical one was already seen. It reports
// whether the call was new.
func (d *functionDedup) add(name, argsJSON string) bool {
	key := name + "\x00" + canonicalJSON(argsJSON)
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	d.calls = append(d.calls, interfaces.FunctionCall{Name: name, Arguments: argsJSON})
	return true
}

// list returns the unique calls in arrival order.
func (d *functionDedup) list() []interfaces.FunctionCall {
	out := make([]interfaces.FunctionCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *functionDedup) size() int { return len(d.calls) }

// canonicalJSON re-marshals a JSON document so that object keys are sorted
// at every depth. Invalid input is returned unchanged; it can still serve as
// a (weaker) dedup key.
func canonicalJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	out, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(out)
}
