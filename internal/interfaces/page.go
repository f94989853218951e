// Package interfaces defines the capability seams the request engine is
// built against: the browser page controller, the wall clock, and the
// per-request interceptor event stream. Concrete implementations live in
// internal/browser and internal/interceptor; tests substitute fakes.
package interfaces

import (
	"context"
	"time"
)

// GenerationParams carries the per-request generation settings the page
// controller applies to the upstream UI. Nil pointers mean "leave the
// control untouched".
type GenerationParams struct {
	Temperature   *float64
	TopP          *float64
	MaxTokens     *int
	Stop          []string
	ThinkingLevel string
}

// PageController drives the single browser page owned by this process.
// Every method honors ctx cancellation; implementations return
// context.Canceled (or an error wrapping it) when the caller gave up.
type PageController interface {
	// IsReady reports whether the page is attached and interactive. A nil
	// error means submissions may proceed.
	IsReady(ctx context.Context) error

	// Submit types the prompt, attaches any uploads and sends the request.
	Submit(ctx context.Context, prompt string, attachments []string) error

	// AdjustParameters applies generation settings to the page UI.
	AdjustParameters(ctx context.Context, params GenerationParams, modelID string) error

	// SwitchModel selects the given model in the page UI and verifies the
	// displayed model afterwards.
	SwitchModel(ctx context.Context, modelID string) error

	// ClearChatHistory resets the upstream conversation between requests.
	ClearChatHistory(ctx context.Context) error

	// CancelGeneration clicks the stop-generation control; used when the
	// client disconnects mid-stream.
	CancelGeneration(ctx context.Context) error

	// GetResponse reads the completed response text from the page as an
	// integrity fallback when the intercepted stream came back empty.
	GetResponse(ctx context.Context, promptLen int, timeout time.Duration) (string, error)

	// ListModels returns the model ids the upstream UI offers.
	ListModels(ctx context.Context) ([]string, error)

	// Navigate loads the given URL.
	Navigate(ctx context.Context, url string) error

	// WaitForSelector blocks until the selector appears or the timeout
	// elapses.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	// ClearCookies empties the browser context's cookie jar.
	ClearCookies(ctx context.Context) error

	// AddCookies installs a JSON-encoded cookie array into the context.
	AddCookies(ctx context.Context, cookies []byte) error

	// Cookies exports the context's cookies as a JSON-encoded array.
	Cookies(ctx context.Context) ([]byte, error)

	// Reload refreshes the page after a failed cleanup.
	Reload(ctx context.Context) error

	// CurrentURL returns the page URL for diagnostics; best effort.
	CurrentURL(ctx context.Context) string
}

// Clock abstracts time for test determinism.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
