package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("INVESTIGATOR")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing config file is fine: defaults + env vars apply
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return m.rebuild()
}

// rebuild unmarshals viper state and applies the environment overrides.
func (m *viperConfigManager) rebuild() error {
	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Updates that fail to
// parse are dropped; the previous configuration stays active.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil {
		return m.watchChan
	}
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if err := m.rebuild(); err != nil {
				return
			}
			cfg := *m.Get(ctx)
			select {
			case m.watchChan <- cfg:
			default:
				// Channel full: replace the stale update with the latest one
				select {
				case <-m.watchChan:
				default:
				}
				select {
				case m.watchChan <- cfg:
				default:
				}
			}
		})
		m.viper.WatchConfig()
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return m.rebuild()
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Workspace defaults
	m.viper.SetDefault("workspace.root", defaults.Workspace.Root)

	// Session defaults
	m.viper.SetDefault("session.max_turns", defaults.Session.MaxTurns)
	m.viper.SetDefault("session.allowed_capabilities", defaults.Session.AllowedCapabilities)
	m.viper.SetDefault("session.permission_mode", defaults.Session.PermissionMode)
	m.viper.SetDefault("session.max_retries", defaults.Session.MaxRetries)
	m.viper.SetDefault("session.retry_backoff_ms", defaults.Session.RetryBackoffMs)
	m.viper.SetDefault("session.shell_timeout_seconds", defaults.Session.ShellTimeoutSeconds)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.anthropic", defaults.LLM.Anthropic)
	m.viper.SetDefault("llm.openai", defaults.LLM.OpenAI)

	// Budget defaults
	m.viper.SetDefault("budget.per_session_token_limit", defaults.Budget.PerSessionTokenLimit)
	m.viper.SetDefault("budget.run_cost_limit_usd", defaults.Budget.RunCostLimitUSD)

	// Database defaults
	m.viper.SetDefault("database.enabled", defaults.Database.Enabled)
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.console", defaults.Logging.Console)

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)

	// Metrics / tracing defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.protocol", defaults.Tracing.Protocol)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into a Config struct.
func (m *viperConfigManager) unmarshalConfig() (*Config, error) {
	cfg := &Config{}

	// Workspace
	cfg.Workspace.Root = m.viper.GetString("workspace.root")

	// Session
	cfg.Session.MaxTurns = m.viper.GetInt("session.max_turns")
	cfg.Session.AllowedCapabilities = m.viper.GetStringSlice("session.allowed_capabilities")
	cfg.Session.PermissionMode = m.viper.GetString("session.permission_mode")
	cfg.Session.MaxRetries = m.viper.GetInt("session.max_retries")
	cfg.Session.RetryBackoffMs = m.viper.GetInt("session.retry_backoff_ms")
	cfg.Session.ShellTimeoutSeconds = m.viper.GetInt("session.shell_timeout_seconds")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.Anthropic = m.viper.GetStringMap("llm.anthropic")
	cfg.LLM.OpenAI = m.viper.GetStringMap("llm.openai")

	// Budget
	cfg.Budget.PerSessionTokenLimit = m.viper.GetInt("budget.per_session_token_limit")
	cfg.Budget.RunCostLimitUSD = m.viper.GetFloat64("budget.run_cost_limit_usd")

	// Database
	cfg.Database.Enabled = m.viper.GetBool("database.enabled")
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Console = m.viper.GetBool("logging.console")

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")

	// Metrics / tracing
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = m.viper.GetString("tracing.protocol")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	return cfg, nil
}

// applyEnvOverrides applies the unprefixed environment variables shared with
// the rest of the analysis pipeline.
func applyEnvOverrides(cfg *Config) error {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		if cfg.LLM.Anthropic == nil {
			cfg.LLM.Anthropic = make(map[string]interface{})
		}
		cfg.LLM.Anthropic["api_key"] = apiKey
	}

	if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
		if cfg.LLM.Anthropic == nil {
			cfg.LLM.Anthropic = make(map[string]interface{})
		}
		cfg.LLM.Anthropic["model"] = model
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if cfg.LLM.OpenAI == nil {
			cfg.LLM.OpenAI = make(map[string]interface{})
		}
		cfg.LLM.OpenAI["api_key"] = apiKey
	}

	if turns := os.Getenv("ANALYSIS_MAX_TURNS"); turns != "" {
		n, err := strconv.Atoi(turns)
		if err != nil {
			return &ValidationError{Field: "ANALYSIS_MAX_TURNS", Message: fmt.Sprintf("not an integer: %q", turns)}
		}
		cfg.Session.MaxTurns = n
	}

	if root := os.Getenv("SESSION_STORAGE_PATH"); root != "" {
		cfg.Workspace.Root = root
	}

	return nil
}
