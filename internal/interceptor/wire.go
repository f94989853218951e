// Package interceptor reconstructs assistant output from the raw upstream
// traffic the stream proxy captures: it reassembles chunked transfer
// encoding, inflates compressed bodies, scans for generate-content payloads
// and decodes the length-tagged wire format used for tool-call arguments.
package interceptor

import (
	"encoding/json"
	"fmt"
)

// decodeWireValue interprets one wire-encoded value. The upstream encodes
// values as positionally-interpreted lists whose length selects the type:
//
//	1 element  -> null
//	2 elements -> number   (v[1])
//	3 elements -> string   (v[2])
//	4 elements -> boolean  (v[3] == 1)
//	5 elements -> object   (v[4] holds [name, value] pairs)
//	6 elements -> array    (v[5] holds the elements)
//
// A list whose first element is a [string, value] pair is a parameter list
// and decodes as an object; that check runs before the length dispatch,
// otherwise objects nested in arrays come back wrapped in spurious lists.
// Single-element list wrappers around another list are unwrapped.
func decodeWireValue(v any) any {
	l, ok := v.([]any)
	if !ok {
		return v
	}

	if isParameterList(l) {
		return decodeParameterList(l)
	}

	if len(l) == 1 {
		if inner, ok := l[0].([]any); ok {
			return decodeWireValue(inner)
		}
		return nil
	}

	switch len(l) {
	case 2:
		return l[1]
	case 3:
		return l[2]
	case 4:
		return numberEquals(l[3], 1)
	case 5:
		pairs, ok := l[4].([]any)
		if !ok {
			return nil
		}
		return decodeParameterList(pairs)
	case 6:
		elems, ok := l[5].([]any)
		if !ok {
			return nil
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			out = append(out, decodeWireValue(e))
		}
		return out
	default:
		return l
	}
}

// isParameterList reports whether l looks like a list of [name, value]
// pairs rather than a tagged value.
func isParameterList(l []any) bool {
	if len(l) == 0 {
		return false
	}
	first, ok := l[0].([]any)
	if !ok || len(first) != 2 {
		return false
	}
	_, ok = first[0].(string)
	return ok
}

func decodeParameterList(pairs []any) map[string]any {
	obj := make(map[string]any, len(pairs))
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		name, ok := pair[0].(string)
		if !ok {
			continue
		}
		obj[name] = decodeWireValue(pair[1])
	}
	return obj
}

func numberEquals(v any, n float64) bool {
	f, ok := v.(float64)
	return ok && f == n
}

// DecodeFunctionArgs decodes a wire-encoded argument fragment into a JSON
// object string with deterministically ordered keys.
func DecodeFunctionArgs(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("malformed argument fragment: %w", err)
	}
	decoded := decodeWireValue(v)
	if decoded == nil {
		return "{}", nil
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
