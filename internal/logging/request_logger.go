// Request trace logging. When enabled through configuration, each completed
// request leaves a file under logs/request/ holding the client body, the
// assembled prompt and the response (or the streamed chunks as they arrived).
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RequestLogger captures per-request traces for offline debugging.
type RequestLogger interface {
	// LogRequest records a complete non-streaming request cycle.
	LogRequest(reqID, model string, clientBody []byte, prompt string, status int, response []byte) error

	// LogStreamingRequest opens a trace for a streaming request and returns
	// a writer the response assembler feeds chunks into.
	LogStreamingRequest(reqID, model string, clientBody []byte, prompt string) (StreamingLogWriter, error)

	// IsEnabled reports whether request logging is currently enabled.
	IsEnabled() bool
}

// StreamingLogWriter handles real-time logging of streaming response chunks.
type StreamingLogWriter interface {
	// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
	WriteChunkAsync(chunk []byte)

	// WriteStatus records the terminal status of the stream.
	WriteStatus(status int, detail string) error

	// Close finalizes the log file and cleans up resources.
	Close() error
}

// FileRequestLogger implements RequestLogger using file-based storage.
type FileRequestLogger struct {
	enabled bool
	logsDir string
}

// NewFileRequestLogger creates a new file-based request logger.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir}
}

// IsEnabled reports whether request logging is currently enabled.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled
}

// LogRequest records a complete non-streaming request cycle to a file.
func (l *FileRequestLogger) LogRequest(reqID, model string, clientBody []byte, prompt string, status int, response []byte) error {
	if !l.enabled {
		return nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	var content strings.Builder
	content.WriteString(l.formatHeader(reqID, model, clientBody, prompt))
	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n\n", status))
	content.Write(response)
	content.WriteString("\n")

	path := filepath.Join(l.logsDir, l.generateFilename(reqID))
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

// LogStreamingRequest opens a trace file and returns an async chunk writer.
func (l *FileRequestLogger) LogStreamingRequest(reqID, model string, clientBody []byte, prompt string) (StreamingLogWriter, error) {
	if !l.enabled {
		return &NoOpStreamingLogWriter{}, nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(l.logsDir, l.generateFilename(reqID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if _, err = file.WriteString(l.formatHeader(reqID, model, clientBody, prompt) + "=== CHUNKS ===\n"); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write request info: %w", err)
	}

	writer := &FileStreamingLogWriter{
		file:      file,
		chunkChan: make(chan []byte, 100),
		closeChan: make(chan struct{}),
	}
	go writer.asyncWriter()
	return writer, nil
}

func (l *FileRequestLogger) ensureLogsDir() error {
	if _, err := os.Stat(l.logsDir); os.IsNotExist(err) {
		return os.MkdirAll(l.logsDir, 0o755)
	}
	return nil
}

// generateFilename creates a sanitized filename from the request id and the
// current timestamp.
func (l *FileRequestLogger) generateFilename(reqID string) string {
	return fmt.Sprintf("%s-%d.log", l.sanitizeForFilename(reqID), time.Now().UnixNano())
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[<>:"|?*/\\\s]`)
	repeatedHyphens     = regexp.MustCompile(`-+`)
)

func (l *FileRequestLogger) sanitizeForFilename(name string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(name, "-")
	sanitized = repeatedHyphens.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "request"
	}
	return sanitized
}

func (l *FileRequestLogger) formatHeader(reqID, model string, clientBody []byte, prompt string) string {
	var content strings.Builder
	content.WriteString("=== REQUEST INFO ===\n")
	content.WriteString(fmt.Sprintf("Request: %s\n", reqID))
	content.WriteString(fmt.Sprintf("Model: %s\n", model))
	content.WriteString(fmt.Sprintf("Timestamp: %s\n\n", time.Now().Format(time.RFC3339Nano)))

	content.WriteString("=== CLIENT BODY ===\n")
	content.Write(clientBody)
	content.WriteString("\n\n")

	content.WriteString("=== PROMPT ===\n")
	content.WriteString(prompt)
	content.WriteString("\n\n")
	return content.String()
}

// FileStreamingLogWriter implements StreamingLogWriter for file-based streaming logs.
type FileStreamingLogWriter struct {
	file          *os.File
	chunkChan     chan []byte
	closeChan     chan struct{}
	statusWritten bool
}

// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
func (w *FileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	if w.chunkChan == nil {
		return
	}

	chunkCopy := make([]byte, len(chunk))
	copy(chunkCopy, chunk)

	select {
	case w.chunkChan <- chunkCopy:
	default:
		// Channel is full, skip this chunk to avoid blocking.
	}
}

// WriteStatus records the terminal status of the stream.
func (w *FileStreamingLogWriter) WriteStatus(status int, detail string) error {
	if w.file == nil || w.statusWritten {
		return nil
	}

	_, err := w.file.WriteString(fmt.Sprintf("\n=== DONE ===\nStatus: %d\n%s\n", status, detail))
	if err == nil {
		w.statusWritten = true
	}
	return err
}

// Close finalizes the log file and cleans up resources.
func (w *FileStreamingLogWriter) Close() error {
	if w.chunkChan != nil {
		close(w.chunkChan)
	}
	if w.closeChan != nil {
		<-w.closeChan
		w.chunkChan = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *FileStreamingLogWriter) asyncWriter() {
	defer close(w.closeChan)
	for chunk := range w.chunkChan {
		if w.file != nil {
			_, _ = w.file.Write(chunk)
		}
	}
}

// NoOpStreamingLogWriter is a no-operation implementation for when logging is disabled.
type NoOpStreamingLogWriter struct{}

func (w *NoOpStreamingLogWriter) WriteChunkAsync(chunk []byte) {}
func (w *NoOpStreamingLogWriter) WriteStatus(status int, detail string) error {
	return nil
}
func (w *NoOpStreamingLogWriter) Close() error { return nil }
