package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

// FakePage is a scriptable PageController. Error fields make the matching
// method fail; hook functions, when set, take precedence over the fields.
// All recorded state is mutex-guarded so tests can assert from the main
// goroutine.
type FakePage struct {
	mu sync.Mutex

	IsReadyErr    error
	SubmitErr     error
	AdjustErr     error
	SwitchErr     error
	ClearChatErr  error
	CancelErr     error
	ResponseText  string
	ResponseErr   error
	Models        []string
	ModelsErr     error
	NavigateErr   error
	SelectorErr   error
	ClearCookErr  error
	AddCookErr    error
	CookieData    []byte
	CookieErr     error
	ReloadErr     error
	URL           string

	OnNavigate        func(url string) error
	OnWaitForSelector func(selector string) error
	OnSubmit          func(prompt string, attachments []string) error
	OnGetResponse     func() (string, error)

	SubmittedPrompts []string
	SubmittedFiles   [][]string
	AdjustedParams   []interfaces.GenerationParams
	SwitchedModels   []string
	NavigatedURLs    []string
	WaitedSelectors  []string
	AddedCookies     [][]byte
	ClearCookieCalls int
	ClearChatCalls   int
	CancelCalls      int
	ReloadCalls      int
}

var _ interfaces.PageController = (*FakePage)(nil)

func (p *FakePage) IsReady(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IsReadyErr
}

func (p *FakePage) Submit(ctx context.Context, prompt string, attachments []string) error {
	p.mu.Lock()
	p.SubmittedPrompts = append(p.SubmittedPrompts, prompt)
	p.SubmittedFiles = append(p.SubmittedFiles, attachments)
	hook := p.OnSubmit
	err := p.SubmitErr
	p.mu.Unlock()
	if hook != nil {
		return hook(prompt, attachments)
	}
	return err
}

func (p *FakePage) AdjustParameters(ctx context.Context, params interfaces.GenerationParams, modelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AdjustedParams = append(p.AdjustedParams, params)
	return p.AdjustErr
}

func (p *FakePage) SwitchModel(ctx context.Context, modelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SwitchedModels = append(p.SwitchedModels, modelID)
	return p.SwitchErr
}

func (p *FakePage) ClearChatHistory(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClearChatCalls++
	return p.ClearChatErr
}

func (p *FakePage) CancelGeneration(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CancelCalls++
	return p.CancelErr
}

func (p *FakePage) GetResponse(ctx context.Context, promptLen int, timeout time.Duration) (string, error) {
	p.mu.Lock()
	hook := p.OnGetResponse
	text, err := p.ResponseText, p.ResponseErr
	p.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return text, err
}

func (p *FakePage) ListModels(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Models, p.ModelsErr
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.NavigatedURLs = append(p.NavigatedURLs, url)
	hook := p.OnNavigate
	err := p.NavigateErr
	p.mu.Unlock()
	if hook != nil {
		return hook(url)
	}
	return err
}

func (p *FakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	p.WaitedSelectors = append(p.WaitedSelectors, selector)
	hook := p.OnWaitForSelector
	err := p.SelectorErr
	p.mu.Unlock()
	if hook != nil {
		return hook(selector)
	}
	return err
}

func (p *FakePage) ClearCookies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClearCookieCalls++
	return p.ClearCookErr
}

func (p *FakePage) AddCookies(ctx context.Context, cookies []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(cookies))
	copy(cp, cookies)
	p.AddedCookies = append(p.AddedCookies, cp)
	return p.AddCookErr
}

func (p *FakePage) Cookies(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CookieData, p.CookieErr
}

func (p *FakePage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReloadCalls++
	return p.ReloadErr
}

func (p *FakePage) CurrentURL(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL
}

// SetSelectorErr swaps the WaitForSelector failure at runtime, for tests
// that fail the first canary and pass the next.
func (p *FakePage) SetSelectorErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SelectorErr = err
}

// CancelCount reads CancelCalls under the lock, for tests that race the
// disconnect monitor.
func (p *FakePage) CancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CancelCalls
}
