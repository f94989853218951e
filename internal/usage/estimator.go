// Package usage estimates token counts for completed responses. The
// upstream page reports no usage numbers, so the gateway reconstructs
// OpenAI-style prompt/completion counts locally with tiktoken and
// degrades to a character heuristic when no encoding is available.
package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
)

const (
	// Every message follows <|start|>{role}\n{content}<|end|>\n and every
	// reply is primed with <|start|>assistant<|message|>.
	tokensPerMessage = 3
	replyPrimeTokens = 3

	// Characters per token heuristic used when no encoder resolves.
	approxTokensPerChar = 0.38

	fallbackEncoding = "cl100k_base"
)

// Injected for testability.
var (
	encodingForModel = tiktoken.EncodingForModel
	getEncoding      = tiktoken.GetEncoding
)

// Estimator resolves one encoder per model and caches it. The gateway's
// models are not in tiktoken's model table, so in practice every model
// shares the cl100k_base fallback; the per-model cache still avoids
// re-resolving on every request.
type Estimator struct {
	mu           sync.Mutex
	encoders     map[string]*tiktoken.Tiktoken
	fallback     *tiktoken.Tiktoken
	fallbackOnce sync.Once
}

func NewEstimator() *Estimator {
	return &Estimator{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Tally is the usage block of a completed response.
type Tally struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Estimate computes usage for a finished request: prompt tokens from the
// request messages, completion tokens from the consolidated output text.
func (e *Estimator) Estimate(messages []openai.Message, output, model string) Tally {
	prompt := e.CountMessages(messages, model)
	completion := e.CountText(output, model)
	return Tally{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// CountMessages counts prompt tokens for a message list including the
// per-message framing overhead.
func (e *Estimator) CountMessages(messages []openai.Message, model string) int {
	enc := e.encoder(model)
	total := 0
	for i := range messages {
		total += tokensPerMessage
		total += countWith(enc, messages[i].Role)
		total += countWith(enc, messages[i].PlainText())
	}
	total += replyPrimeTokens
	return total
}

// CountText counts tokens in a bare string.
func (e *Estimator) CountText(text, model string) int {
	return countWith(e.encoder(model), text)
}

func countWith(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc == nil {
		return int(float64(len(text)) * approxTokensPerChar)
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *Estimator) encoder(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encoders[model]; ok {
		return enc
	}
	enc, err := encodingForModel(model)
	if err != nil {
		enc = e.fallbackEncoder()
	}
	e.encoders[model] = enc
	return enc
}

// fallbackEncoder resolves cl100k_base once. A nil return means the
// encoding data is unavailable (offline process without a tiktoken
// cache), which flips counting to the character heuristic.
func (e *Estimator) fallbackEncoder() *tiktoken.Tiktoken {
	e.fallbackOnce.Do(func() {
		enc, err := getEncoding(fallbackEncoding)
		if err != nil {
			log.Warnf("usage: %s encoding unavailable, using character heuristic: %v", fallbackEncoding, err)
			return
		}
		e.fallback = enc
	})
	return e.fallback
}
