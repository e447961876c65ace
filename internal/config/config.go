// Package config loads and hot-reloads the gateway's configuration,
// adapted from the teacher's pkg/config: a business-facing Config
// (listen address, LLM provider section, system prompt) split from an
// engine-facing SystemConfig (retry policy, turn/token defaults, log
// level), both loaded with json-iterator and watched for changes with
// fsnotify.
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the business-level configuration: what to listen on, which
// LLM provider groups to dial, and the persona the gateway opens every
// connection's history with.
type Config struct {
	// Listen is the address the WebSocket server binds, e.g. ":8080".
	Listen string `json:"listen"`
	// MetricsListen is parsed but not used: there is no separate metrics
	// listener, and the Prometheus endpoint is served at /metrics on the
	// Listen address whatever this field holds.
	MetricsListen string `json:"metrics_listen,omitempty"`
	// LLM holds the raw provider-group configuration consumed by
	// llmprovider.NewFromConfig.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt seeds every connection's history as the system
	// message.
	SystemPrompt string `json:"system_prompt"`
	// EnableShellTool toggles registration of the shell tool.
	EnableShellTool bool `json:"enable_shell_tool"`
}

// Validate ensures the configuration carries its mandatory fields.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("mandatory 'listen' configuration is missing")
	}
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	return nil
}

// SystemConfig is the engine-level configuration: the baseline every
// connection's session.Config and retry policy derive from.
type SystemConfig struct {
	// MaxRetries is how many attempts (the first one included) a
	// FallbackClient makes against each client on transient LLM errors
	// before falling through to the next client.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base retry delay: the wait before attempt n is
	// (n-1) times this value.
	RetryDelayMs int `json:"retry_delay_ms"`
	// MaxTurn is the default per-connection turn budget (spec.md §4.D's
	// WaitingTurnConfirm threshold).
	MaxTurn int `json:"max_turn"`
	// DefaultMaxTokens is the baseline max_tokens applied absent a
	// per-request override. Zero means no explicit limit.
	DefaultMaxTokens int `json:"default_max_tokens"`
	// DefaultAskBeforeToolExecution is the baseline
	// ask_before_tool_execution applied absent a per-request override.
	DefaultAskBeforeToolExecution bool `json:"default_ask_before_tool_execution"`
	// DefaultMaxContextNum is the baseline max_context_num applied
	// absent a per-request override. Zero disables truncation.
	DefaultMaxContextNum int `json:"default_max_context_num"`
	// LogLevel sets the minimum severity for log output: "debug",
	// "info", "warn", or "error".
	LogLevel string `json:"log_level"`
	// OutboundBuffer sizes each connection's outbound response channel.
	OutboundBuffer int `json:"outbound_buffer"`
}

// DefaultSystemConfig returns the engine defaults a fresh deployment
// starts from absent a system.json override.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:                    3,
		RetryDelayMs:                  500,
		MaxTurn:                       25,
		DefaultMaxTokens:              0,
		DefaultAskBeforeToolExecution: true,
		DefaultMaxContextNum:          0,
		LogLevel:                      "info",
		OutboundBuffer:                32,
	}
}

// Load reads config.json and system.json from the working directory.
func Load() (*Config, *SystemConfig, error) {
	return LoadFrom("config.json", "system.json")
}

// LoadFrom reads the named application and system config files.
func LoadFrom(appPath, systemPath string) (*Config, *SystemConfig, error) {
	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %q: %w", appPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file %q: %w", appPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, LoadSystemConfig(systemPath), nil
}

// LoadSystemConfig reads path, falling back to DefaultSystemConfig for any
// field the file omits, and defaults entirely if the file is absent.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return cfg
	}
	return cfg
}
