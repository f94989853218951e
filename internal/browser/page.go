package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

// RemotePage implements interfaces.PageController against the external
// Camoufox driver.
type RemotePage struct {
	driver *driverClient
}

var _ interfaces.PageController = (*RemotePage)(nil)

// NewPageController builds the PageController for the configured launch
// mode. In direct_debug_no_browser mode a stub is returned and every page
// operation reports the page as unavailable.
func NewPageController(cfg *config.Config) (interfaces.PageController, error) {
	if cfg.LaunchMode == constant.LaunchNoBrowser {
		log.Warn("browser: running without a browser, page operations will be rejected")
		return NewStubPage(), nil
	}
	if cfg.DriverURL == "" {
		return nil, fmt.Errorf("browser: driver-url is required for launch mode %q", cfg.LaunchMode)
	}
	page := &RemotePage{driver: newDriverClient(cfg.DriverURL)}
	if cfg.LaunchMode == constant.LaunchDebug {
		// Surface the driver's devtools page; purely best effort.
		if err := OpenURL(cfg.DriverURL); err != nil {
			log.Debugf("browser: could not open devtools page: %v", err)
		}
	}
	return page, nil
}

func (p *RemotePage) IsReady(ctx context.Context) error {
	if err := p.driver.call(ctx, "page.is_ready", nil, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &interfaces.PageNotReadyError{Msg: err.Error()}
	}
	return nil
}

func (p *RemotePage) Submit(ctx context.Context, prompt string, attachments []string) error {
	args := map[string]any{"prompt": prompt}
	if len(attachments) > 0 {
		args["attachments"] = attachments
	}
	return p.driver.call(ctx, "page.submit", args, nil)
}

func (p *RemotePage) AdjustParameters(ctx context.Context, params interfaces.GenerationParams, modelID string) error {
	args := map[string]any{"model_id": modelID}
	if params.Temperature != nil {
		args["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		args["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		args["max_tokens"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		args["stop"] = params.Stop
	}
	if params.ThinkingLevel != "" {
		args["thinking_level"] = params.ThinkingLevel
	}
	return p.driver.call(ctx, "page.adjust_params", args, nil)
}

// SwitchModel selects modelID in the page UI. The panel-visibility
// preferences are persisted first (the UI hides the controls the adjust
// step needs), the displayed model is verified after navigation, and
// temporary chat mode is re-enabled so upstream never persists the
// conversation.
func (p *RemotePage) SwitchModel(ctx context.Context, modelID string) error {
	if err := p.driver.call(ctx, "page.persist_ui_prefs", nil, nil); err != nil {
		log.Warnf("browser: could not persist panel preferences: %v", err)
	}

	var result struct {
		Displayed string `json:"displayed"`
	}
	if err := p.driver.call(ctx, "page.switch_model", map[string]any{"model_id": modelID}, &result); err != nil {
		return &interfaces.ModelSwitchError{Msg: err.Error()}
	}
	if util.NormalizeModelID(result.Displayed) != util.NormalizeModelID(modelID) {
		return &interfaces.ModelSwitchError{
			Msg: fmt.Sprintf("page displays %q after switching to %q", result.Displayed, modelID),
		}
	}

	if err := p.driver.call(ctx, "page.enable_temporary_chat", nil, nil); err != nil {
		log.Warnf("browser: could not re-enable temporary chat mode: %v", err)
	}
	return nil
}

func (p *RemotePage) ClearChatHistory(ctx context.Context) error {
	return p.driver.call(ctx, "page.clear_chat", nil, nil)
}

func (p *RemotePage) CancelGeneration(ctx context.Context) error {
	return p.driver.call(ctx, "page.cancel_generation", nil, nil)
}

// GetResponse scrapes the completed response text off the page; the
// integrity fallback when the intercepted stream came back empty.
func (p *RemotePage) GetResponse(ctx context.Context, promptLen int, timeout time.Duration) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	args := map[string]any{
		"prompt_len": promptLen,
		"timeout_ms": timeout.Milliseconds(),
	}
	if err := p.driver.call(ctx, "page.get_response", args, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (p *RemotePage) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []string `json:"models"`
	}
	if err := p.driver.call(ctx, "page.list_models", nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

func (p *RemotePage) Navigate(ctx context.Context, url string) error {
	return p.driver.call(ctx, "page.navigate", map[string]any{"url": url}, nil)
}

func (p *RemotePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	args := map[string]any{
		"selector":   selector,
		"timeout_ms": timeout.Milliseconds(),
	}
	return p.driver.call(ctx, "page.wait_selector", args, nil)
}

func (p *RemotePage) ClearCookies(ctx context.Context) error {
	return p.driver.call(ctx, "context.clear_cookies", nil, nil)
}

func (p *RemotePage) AddCookies(ctx context.Context, cookies []byte) error {
	if !json.Valid(cookies) {
		return fmt.Errorf("browser: cookies payload is not valid JSON")
	}
	args := map[string]any{"cookies": json.RawMessage(cookies)}
	return p.driver.call(ctx, "context.add_cookies", args, nil)
}

func (p *RemotePage) Cookies(ctx context.Context) ([]byte, error) {
	var result struct {
		Cookies json.RawMessage `json:"cookies"`
	}
	if err := p.driver.call(ctx, "context.cookies", nil, &result); err != nil {
		return nil, err
	}
	return result.Cookies, nil
}

func (p *RemotePage) Reload(ctx context.Context) error {
	return p.driver.call(ctx, "page.reload", nil, nil)
}

func (p *RemotePage) CurrentURL(ctx context.Context) string {
	var result struct {
		URL string `json:"url"`
	}
	if err := p.driver.call(ctx, "page.url", nil, &result); err != nil {
		log.Debugf("browser: could not read page url: %v", err)
		return ""
	}
	return result.URL
}
