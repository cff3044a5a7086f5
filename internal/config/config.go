package config

import (
	"context"
	"fmt"
	"strings"
)

// Package config provides configuration management for the investigator.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (applied by cmd/investigator on top of Get())
//   2. Environment variables (INVESTIGATOR_* prefix, plus ANTHROPIC_API_KEY,
//      OPENAI_API_KEY, ANALYSIS_MAX_TURNS, SESSION_STORAGE_PATH)
//   3. YAML config file (default: ./investigator.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Workspace
//      - root: directory holding one subdirectory per run
//
//   2. Session
//      - max_turns: agent turn cap per hypothesis (default 10)
//      - allowed_capabilities: read-file, write-file, execute-shell, list-files
//      - permission_mode: "unattended" | "confirm" (sessions always run unattended)
//      - max_retries / retry_backoff_ms: transport failure retry policy
//      - shell_timeout_seconds: per command limit for execute-shell
//
//   3. LLM Provider
//      - provider: "anthropic" | "openai"
//      - anthropic / openai: api_key, model, base_url
//
//   4. Budget
//      - per_session_token_limit, run_cost_limit_usd (0 = unlimited)
//
//   5. Database (optional findings mirror)
//      - enabled, type: "sqlite" | "postgres", sqlite_path, postgres_url
//
//   6. Logging
//      - level, app_log_path, audit_log_path, rotation settings
//
//   7. Server (read-only status API)
//      - port, allowed_origins, rate_limit_per_minute
//
//   8. Metrics / Tracing
//      - metrics.enabled, tracing.endpoint, tracing.protocol, tracing.sampling_rate

// Config struct contains all configuration fields
type Config struct {
	// Workspace configuration
	Workspace struct {
		Root string
	}

	// Session runner configuration
	Session struct {
		MaxTurns            int
		AllowedCapabilities []string
		PermissionMode      string
		MaxRetries          int
		RetryBackoffMs      int
		ShellTimeoutSeconds int
	}

	// LLM provider configuration
	LLM struct {
		Provider  string
		Anthropic map[string]interface{}
		OpenAI    map[string]interface{}
	}

	// Budget configuration
	Budget struct {
		PerSessionTokenLimit int
		RunCostLimitUSD      float64
	}

	// Database configuration
	Database struct {
		Enabled     bool
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Logging configuration
	Logging struct {
		Level        string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Console      bool
	}

	// Server configuration
	Server struct {
		Port int
		// AllowedOrigins lists origins permitted by CORS and the progress
		// WebSocket. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RateLimitPerMinute caps requests per client; 0 disables the limit.
		RateLimitPerMinute int
	}

	// Metrics configuration
	Metrics struct {
		Enabled bool
	}

	// Tracing configuration. An empty endpoint disables tracing.
	Tracing struct {
		Endpoint     string
		Protocol     string
		SamplingRate float64
	}
}

// ProviderSetting returns a string setting of the active LLM provider.
func (c *Config) ProviderSetting(key string) string {
	var settings map[string]interface{}
	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic":
		settings = c.LLM.Anthropic
	case "openai":
		settings = c.LLM.OpenAI
	}
	if v, ok := settings[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers reloaded configurations.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("investigator.yaml")
}
