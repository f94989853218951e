package util

import "strings"

// canonicalModels folds hyphenated version spellings back to the dotted
// model ids the upstream uses, so cooldown keys match regardless of which
// form a client sent.
var canonicalModels = map[string]string{
	"gemini-1-5-pro":        "gemini-1.5-pro",
	"gemini-1-5-flash":      "gemini-1.5-flash",
	"gemini-2-0-flash":      "gemini-2.0-flash",
	"gemini-2-0-flash-lite": "gemini-2.0-flash-lite",
	"gemini-2-5-pro":        "gemini-2.5-pro",
	"gemini-2-5-flash":      "gemini-2.5-flash",
	"gemini-2-5-flash-lite": "gemini-2.5-flash-lite",
}

// NormalizeModelID produces the canonical form of a model id for cooldown
// keying and matching: lowercase, spaces and dots collapsed to hyphens, then
// known ids folded to their canonical spelling.
func NormalizeModelID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, ".", "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if canonical, ok := canonicalModels[s]; ok {
		return canonical
	}
	return s
}
