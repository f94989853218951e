package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// driverClient speaks the Camoufox driver's JSON command protocol: one
// POST per command against {base}/command, with the action name selecting
// the page or context operation to run.
type driverClient struct {
	base   string
	client *http.Client
}

type driverRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type driverResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newDriverClient(baseURL string) *driverClient {
	return &driverClient{
		base: strings.TrimRight(baseURL, "/"),
		// Per-command deadlines come from the caller's context; selector
		// waits legitimately run for tens of seconds.
		client: &http.Client{},
	}
}

// call runs one driver command. args must marshal to a JSON object or be
// nil. The result is unmarshaled into out when out is non-nil.
func (d *driverClient) call(ctx context.Context, action string, args any, out any) error {
	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("driver %s: encode args: %w", action, err)
		}
		rawArgs = encoded
	}
	body, err := json.Marshal(driverRequest{Action: action, Args: rawArgs})
	if err != nil {
		return fmt.Errorf("driver %s: encode request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/command", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("driver %s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("driver %s: %w", action, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("driver %s: close body: %v", action, errClose)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("driver %s: read response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver %s: status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var dr driverResponse
	if err = json.Unmarshal(data, &dr); err != nil {
		return fmt.Errorf("driver %s: decode response: %w", action, err)
	}
	if !dr.OK {
		if dr.Error == "" {
			dr.Error = "unspecified driver error"
		}
		return fmt.Errorf("driver %s: %s", action, dr.Error)
	}
	if out != nil && len(dr.Result) > 0 {
		if err = json.Unmarshal(dr.Result, out); err != nil {
			return fmt.Errorf("driver %s: decode result: %w", action, err)
		}
	}
	return nil
}
