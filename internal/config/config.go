// Package config provides configuration management for the AI Studio proxy
// server. It handles loading and parsing YAML configuration files, applies
// environment variable overrides, and provides structured access to
// application settings including server ports, profile directories, quota
// limits, cooldown durations, and API keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default limits and durations used when neither the YAML file nor the
// environment overrides them.
const (
	DefaultQuotaSoftLimit         = 650000
	DefaultQuotaHardLimit         = 800000
	DefaultRateLimitCooldownSec   = 300
	DefaultQuotaCooldownSec       = 14400
	DefaultCompletionTimeoutSec   = 300
	DefaultHighTrafficThreshold   = 5
	DefaultDepletionGuardLimit    = 3
	DefaultDepletionGuardHigh     = 10
	DefaultCookieRefreshSec       = 1800
	DefaultCookieRequestRefresh   = 300
	DefaultMCPTimeoutSec          = 30
	DefaultStreamPort             = 3120
	DefaultServerPort             = 2048
)

// Config represents the application's configuration, loaded from a YAML file
// with environment variable overrides applied on top.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// StreamPort is the local port the stream proxy pushes captured upstream
	// traffic to. Zero disables the listener.
	StreamPort int `yaml:"stream-port"`

	// AuthDir is the root directory holding the profile pool. The
	// subdirectories active/, saved/ and emergency/ are scanned for
	// profile JSON files.
	AuthDir string `yaml:"auth-dir"`

	// ActiveAuthPath pins the startup profile. Empty means the first file
	// found under active/ is used.
	ActiveAuthPath string `yaml:"active-auth-path"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile writes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server to use for outbound
	// requests. SOCKS5, HTTP and HTTPS schemes are supported.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this proxy
	// server. Empty means no authentication is required.
	APIKeys []string `yaml:"api-keys"`

	// LaunchMode selects how the browser page controller is constructed.
	// One of headless, debug, virtual_headless, direct_debug_no_browser.
	LaunchMode string `yaml:"launch-mode"`

	// DriverURL is the websocket/devtools endpoint of the camoufox driver.
	DriverURL string `yaml:"driver-url"`

	// DefaultModel is served by /v1/models when the live list is unavailable
	// and used for requests that carry no model id.
	DefaultModel string `yaml:"default-model"`

	// ExcludedModels hides upstream models from /v1/models.
	ExcludedModels []string `yaml:"excluded-models"`

	// AutoRotate enables transparent profile rotation on quota signals.
	AutoRotate bool `yaml:"auto-rotate"`

	// RotateOnStartup performs one rotation before serving traffic.
	RotateOnStartup bool `yaml:"rotate-on-startup"`

	// Quota holds the token-count limits that drive rotation.
	Quota QuotaConfig `yaml:"quota"`

	// Cooldown holds the profile cooldown durations in seconds.
	Cooldown CooldownConfig `yaml:"cooldown"`

	// CookieRefresh configures the periodic cookie save task.
	CookieRefresh CookieRefreshConfig `yaml:"cookie-refresh"`

	// CompletionTimeoutSeconds is the configured floor for the dynamic
	// response completion timeout.
	CompletionTimeoutSeconds int `yaml:"completion-timeout-seconds"`

	// HighTrafficQueueThreshold is the queue depth above which the depletion
	// guard switches to its high-traffic rotation budget.
	HighTrafficQueueThreshold int `yaml:"high-traffic-queue-threshold"`

	// DepletionGuardHighTraffic is the rotation budget used while the queue
	// is above the high-traffic threshold.
	DepletionGuardHighTraffic int `yaml:"depletion-guard-high-traffic"`

	// MCPEndpoint is an optional HTTP endpoint for remote tool execution.
	MCPEndpoint string `yaml:"mcp-endpoint"`

	// MCPTimeoutSeconds bounds each remote tool call.
	MCPTimeoutSeconds int `yaml:"mcp-timeout-seconds"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// SnapshotDBPath locates the bbolt file holding diagnostic snapshots.
	SnapshotDBPath string `yaml:"snapshot-db-path"`

	// UsageLedgerPath locates the per-profile token usage ledger.
	UsageLedgerPath string `yaml:"usage-ledger-path"`

	// CooldownFilePath locates the persisted cooldown store.
	CooldownFilePath string `yaml:"cooldown-file-path"`
}

// QuotaConfig holds the token-count limits that drive profile rotation.
type QuotaConfig struct {
	// SoftLimit marks a profile for rotation between requests.
	SoftLimit int64 `yaml:"soft-limit"`

	// HardLimit exhausts the model immediately and unwinds the request.
	HardLimit int64 `yaml:"hard-limit"`

	// PerModel overrides the hard limit for individual model ids.
	PerModel map[string]int64 `yaml:"per-model"`
}

// CooldownConfig holds the cooldown durations applied to profiles after
// rate-limit and quota-exhaustion classifications.
type CooldownConfig struct {
	// RateLimitSeconds is the global cooldown after a rate-limit error.
	RateLimitSeconds int `yaml:"rate-limit-seconds"`

	// QuotaExceededSeconds is the per-model cooldown after quota exhaustion.
	QuotaExceededSeconds int `yaml:"quota-exceeded-seconds"`
}

// CookieRefreshConfig configures the periodic cookie save task.
type CookieRefreshConfig struct {
	// Enabled turns the periodic refresh loop on.
	Enabled bool `yaml:"enabled"`

	// IntervalSeconds is the period of the refresh loop.
	IntervalSeconds int `yaml:"interval-seconds"`

	// OnRequestEnabled saves cookies after completed requests, rate limited
	// by RequestIntervalSeconds.
	OnRequestEnabled bool `yaml:"on-request-enabled"`

	// RequestIntervalSeconds is the minimum spacing between request-driven
	// cookie saves.
	RequestIntervalSeconds int `yaml:"request-interval-seconds"`

	// OnShutdown saves cookies once before the browser closes.
	OnShutdown bool `yaml:"on-shutdown"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults and environment variable
// overrides, and returns it. A missing file is not an error; the defaults and
// environment alone then define the configuration.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultServerPort
	}
	if c.AuthDir == "" {
		c.AuthDir = "auth_profiles"
	}
	if c.LaunchMode == "" {
		c.LaunchMode = "headless"
	}
	if c.Quota.SoftLimit == 0 {
		c.Quota.SoftLimit = DefaultQuotaSoftLimit
	}
	if c.Quota.HardLimit == 0 {
		c.Quota.HardLimit = DefaultQuotaHardLimit
	}
	if c.Quota.PerModel == nil {
		c.Quota.PerModel = make(map[string]int64)
	}
	if c.Cooldown.RateLimitSeconds == 0 {
		c.Cooldown.RateLimitSeconds = DefaultRateLimitCooldownSec
	}
	if c.Cooldown.QuotaExceededSeconds == 0 {
		c.Cooldown.QuotaExceededSeconds = DefaultQuotaCooldownSec
	}
	if c.CompletionTimeoutSeconds == 0 {
		c.CompletionTimeoutSeconds = DefaultCompletionTimeoutSec
	}
	if c.HighTrafficQueueThreshold == 0 {
		c.HighTrafficQueueThreshold = DefaultHighTrafficThreshold
	}
	if c.DepletionGuardHighTraffic == 0 {
		c.DepletionGuardHighTraffic = DefaultDepletionGuardHigh
	}
	if c.CookieRefresh.IntervalSeconds == 0 {
		c.CookieRefresh.IntervalSeconds = DefaultCookieRefreshSec
	}
	if c.CookieRefresh.RequestIntervalSeconds == 0 {
		c.CookieRefresh.RequestIntervalSeconds = DefaultCookieRequestRefresh
	}
	if c.MCPTimeoutSeconds == 0 {
		c.MCPTimeoutSeconds = DefaultMCPTimeoutSec
	}
	if c.SnapshotDBPath == "" {
		c.SnapshotDBPath = "logs/snapshots.db"
	}
	if c.UsageLedgerPath == "" {
		c.UsageLedgerPath = "auth_profiles/usage.json"
	}
	if c.CooldownFilePath == "" {
		c.CooldownFilePath = "auth_profiles/cooldowns.json"
	}
}

// applyEnvOverrides layers the recognized environment variables on top of the
// file-based configuration. Environment values always win.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LAUNCH_MODE"); v != "" {
		c.LaunchMode = v
	}
	if v, ok := envInt("SERVER_PORT_INFO"); ok {
		c.Port = v
	}
	if v, ok := envInt("STREAM_PORT"); ok {
		c.StreamPort = v
	}
	if v := os.Getenv("ACTIVE_AUTH_JSON_PATH"); v != "" {
		c.ActiveAuthPath = v
	}
	if v, ok := envBool("AUTO_ROTATE_AUTH_PROFILE"); ok {
		c.AutoRotate = v
	}
	if v, ok := envBool("AUTO_AUTH_ROTATION_ON_STARTUP"); ok {
		c.RotateOnStartup = v
	}
	if v, ok := envInt64("QUOTA_SOFT_LIMIT"); ok {
		c.Quota.SoftLimit = v
	}
	if v, ok := envInt64("QUOTA_HARD_LIMIT"); ok {
		c.Quota.HardLimit = v
	}
	if v, ok := envInt("RATE_LIMIT_COOLDOWN_SECONDS"); ok {
		c.Cooldown.RateLimitSeconds = v
	}
	if v, ok := envInt("QUOTA_EXCEEDED_COOLDOWN_SECONDS"); ok {
		c.Cooldown.QuotaExceededSeconds = v
	}
	if v, ok := envInt("RESPONSE_COMPLETION_TIMEOUT"); ok {
		c.CompletionTimeoutSeconds = v
	}
	if v, ok := envInt("HIGH_TRAFFIC_QUEUE_THRESHOLD"); ok {
		c.HighTrafficQueueThreshold = v
	}
	if v, ok := envInt("ROTATION_DEPLETION_GUARD_HIGH_TRAFFIC"); ok {
		c.DepletionGuardHighTraffic = v
	}
	if v, ok := envBool("COOKIE_REFRESH_ENABLED"); ok {
		c.CookieRefresh.Enabled = v
	}
	if v, ok := envInt("COOKIE_REFRESH_INTERVAL_SECONDS"); ok {
		c.CookieRefresh.IntervalSeconds = v
	}
	if v, ok := envBool("COOKIE_REFRESH_ON_REQUEST_ENABLED"); ok {
		c.CookieRefresh.OnRequestEnabled = v
	}
	if v, ok := envInt("COOKIE_REFRESH_REQUEST_INTERVAL"); ok {
		c.CookieRefresh.RequestIntervalSeconds = v
	}
	if v, ok := envBool("COOKIE_REFRESH_ON_SHUTDOWN"); ok {
		c.CookieRefresh.OnShutdown = v
	}
	if v := os.Getenv("MCP_HTTP_ENDPOINT"); v != "" {
		c.MCPEndpoint = v
	}
	if v, ok := envInt("MCP_HTTP_TIMEOUT"); ok {
		c.MCPTimeoutSeconds = v
	}
	if v := os.Getenv("UNIFIED_PROXY_CONFIG"); v != "" {
		c.ProxyURL = v
	}

	// Per-model hard-limit overrides: QUOTA_LIMIT_<MODEL_ID>, where the
	// model id is uppercased with hyphens and dots as underscores.
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, "QUOTA_LIMIT_") {
			continue
		}
		suffix := strings.TrimPrefix(name, "QUOTA_LIMIT_")
		if suffix == "" {
			continue
		}
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil || limit <= 0 {
			continue
		}
		model := strings.ToLower(strings.ReplaceAll(suffix, "_", "-"))
		c.Quota.PerModel[model] = limit
	}
}

// HardLimitFor returns the hard quota limit for the given model id, falling
// back to the global hard limit. Keys derived from environment variables use
// hyphens where the model id has dots, so a relaxed lookup is tried too.
func (c *Config) HardLimitFor(model string) int64 {
	if limit, ok := c.Quota.PerModel[model]; ok {
		return limit
	}
	if limit, ok := c.Quota.PerModel[strings.ReplaceAll(model, ".", "-")]; ok {
		return limit
	}
	return c.Quota.HardLimit
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := strings.ToLower(os.Getenv(name))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
