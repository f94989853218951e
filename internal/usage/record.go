package usage

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is one completed request's usage line.
type Record struct {
	ReqID            string `json:"req_id"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Streamed         bool   `json:"streamed"`
	DurationMS       int64  `json:"duration_ms"`
}

// NewRecord builds the usage line for a finished request.
func NewRecord(reqID, model string, tally Tally, streamed bool, elapsed time.Duration) Record {
	return Record{
		ReqID:            reqID,
		Model:            model,
		PromptTokens:     tally.PromptTokens,
		CompletionTokens: tally.CompletionTokens,
		TotalTokens:      tally.TotalTokens,
		Streamed:         streamed,
		DurationMS:       elapsed.Milliseconds(),
	}
}

// LogRecord writes the record to the application log. Keep this
// lightweight and non-blocking; it runs on the request path.
func LogRecord(r Record) {
	data, _ := json.Marshal(r)
	log.Debug(string(data))
}
