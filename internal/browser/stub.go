package browser

import (
	"context"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// StubPage rejects every page operation; it backs the
// direct_debug_no_browser launch mode where the HTTP surface runs without
// a driver attached.
type StubPage struct{}

var _ interfaces.PageController = (*StubPage)(nil)

func NewStubPage() *StubPage { return &StubPage{} }

func (s *StubPage) err() error {
	return &interfaces.PageNotReadyError{Msg: "no browser attached (direct_debug_no_browser mode)"}
}

func (s *StubPage) IsReady(ctx context.Context) error { return s.err() }

func (s *StubPage) Submit(ctx context.Context, prompt string, attachments []string) error {
	return s.err()
}

func (s *StubPage) AdjustParameters(ctx context.Context, params interfaces.GenerationParams, modelID string) error {
	return s.err()
}

func (s *StubPage) SwitchModel(ctx context.Context, modelID string) error { return s.err() }

func (s *StubPage) ClearChatHistory(ctx context.Context) error { return s.err() }

func (s *StubPage) CancelGeneration(ctx context.Context) error { return s.err() }

func (s *StubPage) GetResponse(ctx context.Context, promptLen int, timeout time.Duration) (string, error) {
	return "", s.err()
}

func (s *StubPage) ListModels(ctx context.Context) ([]string, error) { return nil, s.err() }

func (s *StubPage) Navigate(ctx context.Context, url string) error { return s.err() }

func (s *StubPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return s.err()
}

func (s *StubPage) ClearCookies(ctx context.Context) error { return s.err() }

func (s *StubPage) AddCookies(ctx context.Context, cookies []byte) error { return s.err() }

func (s *StubPage) Cookies(ctx context.Context) ([]byte, error) { return nil, s.err() }

func (s *StubPage) Reload(ctx context.Context) error { return s.err() }

func (s *StubPage) CurrentURL(ctx context.Context) string { return "" }
