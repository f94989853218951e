// Package openai parses inbound OpenAI-shaped chat completion bodies into
// the typed request the pipeline consumes. Parsing works directly on the raw
// JSON via gjson; the original body is retained for tracing.
package openai

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// PartKind distinguishes the recognized content part types.
type PartKind int

const (
	PartText PartKind = iota
	PartImageURL
	PartAttachment
)

// Part is one element of an array-form message content.
type Part struct {
	Kind PartKind
	Text string
	URL  string
}

// Message is a single chat turn.
type Message struct {
	Role  string
	Text  string
	Parts []Part
}

// PlainText returns the textual content of the message, concatenating text
// parts for array-form content.
func (m *Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolDeclaration is one function the client offers.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  string
}

// ToolChoiceKind enumerates the resolved tool_choice directives.
type ToolChoiceKind int

const (
	ToolChoiceUnset ToolChoiceKind = iota
	ToolChoiceNone
	ToolChoiceAuto
	ToolChoiceRequired
	ToolChoiceNamed
)

// ToolChoice is the parsed tool_choice field.
type ToolChoice struct {
	Kind ToolChoiceKind
	Name string
}

// Request is a validated chat completion request. ReqID is assigned by the
// pipeline at admission; ModelID round-trips unchanged into the response
// envelope.
type Request struct {
	ReqID          string
	ModelID        string
	Messages       []Message
	Stream         bool
	Tools          []ToolDeclaration
	ToolChoice     ToolChoice
	Seed           *int64
	ResponseFormat string
	Stop           []string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	ThinkingLevel  string
	RawBody        []byte
}

var allowedRoles = map[string]bool{
	constant.RoleSystem:    true,
	constant.RoleUser:      true,
	constant.RoleAssistant: true,
	constant.RoleTool:      true,
}

// ParseRequest validates and decodes an OpenAI chat completion body.
// Validation failures return a BadRequestError.
func ParseRequest(raw []byte) (*Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &interfaces.BadRequestError{Msg: "request body is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)

	req := &Request{
		ModelID: root.Get("model").String(),
		Stream:  root.Get("stream").Bool(),
		RawBody: raw,
	}

	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, &interfaces.BadRequestError{Msg: "messages must be a non-empty array"}
	}
	for i, m := range messages.Array() {
		msg, err := parseMessage(i, m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		for _, tl := range tools.Array() {
			if t := tl.Get("type"); t.Exists() && t.String() != "function" {
				continue
			}
			fn := tl.Get("function")
			name := fn.Get("name").String()
			if name == "" {
				return nil, &interfaces.BadRequestError{Msg: "tools entries require function.name"}
			}
			req.Tools = append(req.Tools, ToolDeclaration{
				Name:        name,
				Description: fn.Get("description").String(),
				Parameters:  fn.Get("parameters").Raw,
			})
		}
	}

	choice, err := parseToolChoice(root.Get("tool_choice"))
	if err != nil {
		return nil, err
	}
	req.ToolChoice = choice

	if seed := root.Get("seed"); seed.Exists() && seed.Type == gjson.Number {
		v := seed.Int()
		req.Seed = &v
	}
	if rf := root.Get("response_format"); rf.Exists() {
		req.ResponseFormat = rf.Raw
	}
	switch stop := root.Get("stop"); {
	case stop.Type == gjson.String:
		req.Stop = []string{stop.String()}
	case stop.IsArray():
		for _, s := range stop.Array() {
			req.Stop = append(req.Stop, s.String())
		}
	}
	if v := root.Get("temperature"); v.Exists() && v.Type == gjson.Number {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() && v.Type == gjson.Number {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("max_tokens"); v.Exists() && v.Type == gjson.Number {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("reasoning_effort"); v.Exists() {
		level := v.String()
		switch level {
		case "low", "medium", "high":
			req.ThinkingLevel = level
		default:
			return nil, &interfaces.BadRequestError{Msg: "reasoning_effort must be low, medium or high"}
		}
	}

	if req.LatestUserText() == "" && !req.ToolDriven() {
		return nil, &interfaces.BadRequestError{Msg: "no user message text to submit"}
	}
	return req, nil
}

func parseMessage(index int, m gjson.Result) (Message, error) {
	role := m.Get("role").String()
	if !allowedRoles[role] {
		return Message{}, &interfaces.BadRequestError{Msg: fmt.Sprintf("messages[%d] has unsupported role %q", index, role)}
	}
	msg := Message{Role: role}

	content := m.Get("content")
	switch {
	case content.Type == gjson.String:
		msg.Text = content.String()
	case content.IsArray():
		for j, p := range content.Array() {
			part, err := parsePart(index, j, p)
			if err != nil {
				return Message{}, err
			}
			msg.Parts = append(msg.Parts, part)
		}
	case !content.Exists() || content.Type == gjson.Null:
		// Assistant turns carrying only tool_calls have null content.
	default:
		return Message{}, &interfaces.BadRequestError{Msg: fmt.Sprintf("messages[%d].content must be a string or an array of parts", index)}
	}
	return msg, nil
}

func parsePart(msgIndex, partIndex int, p gjson.Result) (Part, error) {
	switch p.Get("type").String() {
	case "text":
		return Part{Kind: PartText, Text: p.Get("text").String()}, nil
	case "image_url":
		url := p.Get("image_url.url").String()
		if url == "" {
			url = p.Get("image_url").String()
		}
		return Part{Kind: PartImageURL, URL: url}, nil
	case "file", "attachment":
		url := p.Get("file.url").String()
		if url == "" {
			url = p.Get("url").String()
		}
		return Part{Kind: PartAttachment, URL: url}, nil
	default:
		return Part{}, &interfaces.BadRequestError{Msg: fmt.Sprintf("messages[%d].content[%d] has unrecognized part type", msgIndex, partIndex)}
	}
}

func parseToolChoice(tc gjson.Result) (ToolChoice, error) {
	switch {
	case !tc.Exists():
		return ToolChoice{Kind: ToolChoiceUnset}, nil
	case tc.Type == gjson.String:
		switch tc.String() {
		case "none":
			return ToolChoice{Kind: ToolChoiceNone}, nil
		case "auto":
			return ToolChoice{Kind: ToolChoiceAuto}, nil
		case "required":
			return ToolChoice{Kind: ToolChoiceRequired}, nil
		default:
			// A bare string names the function directly.
			return ToolChoice{Kind: ToolChoiceNamed, Name: tc.String()}, nil
		}
	case tc.IsObject():
		name := tc.Get("function.name").String()
		if name == "" {
			return ToolChoice{}, &interfaces.BadRequestError{Msg: "tool_choice object requires function.name"}
		}
		return ToolChoice{Kind: ToolChoiceNamed, Name: name}, nil
	default:
		return ToolChoice{}, &interfaces.BadRequestError{Msg: "tool_choice must be a string or an object"}
	}
}

// LatestUserText returns the text of the newest user message, empty when
// there is none.
func (r *Request) LatestUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == constant.RoleUser {
			return r.Messages[i].PlainText()
		}
	}
	return ""
}

// ToolDriven reports whether declared tools can drive this request without
// any user text (the local short-circuit path).
func (r *Request) ToolDriven() bool {
	_, ok := r.LocalToolTarget()
	return ok
}

// LocalToolTarget resolves the function the pipeline may execute locally
// instead of involving the browser. A named choice always resolves; an
// explicit auto or required resolves when exactly one tool is declared; an
// absent choice resolves only when exactly one tool is declared and no user
// text exists to submit.
func (r *Request) LocalToolTarget() (string, bool) {
	if len(r.Tools) == 0 {
		return "", false
	}
	switch r.ToolChoice.Kind {
	case ToolChoiceNamed:
		for _, t := range r.Tools {
			if t.Name == r.ToolChoice.Name {
				return t.Name, true
			}
		}
		return "", false
	case ToolChoiceAuto, ToolChoiceRequired:
		if len(r.Tools) == 1 {
			return r.Tools[0].Name, true
		}
		return "", false
	case ToolChoiceUnset:
		if len(r.Tools) == 1 && r.LatestUserText() == "" {
			return r.Tools[0].Name, true
		}
		return "", false
	default:
		return "", false
	}
}
