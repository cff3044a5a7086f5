package config

// DefaultCapabilities is the full capability set granted to a session.
var DefaultCapabilities = []string{"read-file", "write-file", "execute-shell", "list-files"}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Workspace defaults
	cfg.Workspace.Root = "sessions"

	// Session defaults
	cfg.Session.MaxTurns = 10
	cfg.Session.AllowedCapabilities = append([]string(nil), DefaultCapabilities...)
	cfg.Session.PermissionMode = "unattended"
	cfg.Session.MaxRetries = 2
	cfg.Session.RetryBackoffMs = 2000
	cfg.Session.ShellTimeoutSeconds = 120

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Anthropic = map[string]interface{}{
		"model": "claude-sonnet-4-20250514",
	}
	cfg.LLM.OpenAI = map[string]interface{}{
		"model": "gpt-4o",
	}

	// Budget defaults (0 means no limit)
	cfg.Budget.PerSessionTokenLimit = 0
	cfg.Budget.RunCostLimitUSD = 0

	// Database defaults
	cfg.Database.Enabled = false
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "investigator.db"
	cfg.Database.PostgresURL = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Console = false

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMinute = 120

	// Metrics defaults
	cfg.Metrics.Enabled = true

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.Protocol = "http"
	cfg.Tracing.SamplingRate = 1.0

	return cfg
}
