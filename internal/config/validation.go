package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var validCapabilities = map[string]bool{
	"read-file":     true,
	"write-file":    true,
	"execute-shell": true,
	"list-files":    true,
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate workspace configuration
	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, &ValidationError{
			Field:   "workspace.root",
			Message: "workspace root is required",
		})
	}

	// Validate session configuration
	if c.Session.MaxTurns < 1 {
		errs = append(errs, &ValidationError{
			Field:   "session.max_turns",
			Message: fmt.Sprintf("max_turns must be at least 1, got %d", c.Session.MaxTurns),
		})
	}

	if len(c.Session.AllowedCapabilities) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "session.allowed_capabilities",
			Message: "at least one capability is required",
		})
	}
	for _, capability := range c.Session.AllowedCapabilities {
		if !validCapabilities[capability] {
			errs = append(errs, &ValidationError{
				Field:   "session.allowed_capabilities",
				Message: fmt.Sprintf("unknown capability '%s', must be one of: read-file, write-file, execute-shell, list-files", capability),
			})
		}
	}

	switch c.Session.PermissionMode {
	case "unattended", "confirm":
	default:
		errs = append(errs, &ValidationError{
			Field:   "session.permission_mode",
			Message: fmt.Sprintf("invalid permission mode '%s', must be one of: unattended, confirm", c.Session.PermissionMode),
		})
	}

	if c.Session.MaxRetries < 0 {
		errs = append(errs, &ValidationError{
			Field:   "session.max_retries",
			Message: fmt.Sprintf("max_retries cannot be negative, got %d", c.Session.MaxRetries),
		})
	}

	if c.Session.RetryBackoffMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "session.retry_backoff_ms",
			Message: fmt.Sprintf("retry_backoff_ms cannot be negative, got %d", c.Session.RetryBackoffMs),
		})
	}

	if c.Session.ShellTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "session.shell_timeout_seconds",
			Message: fmt.Sprintf("shell_timeout_seconds must be at least 1, got %d", c.Session.ShellTimeoutSeconds),
		})
	}

	// Validate LLM configuration
	switch c.LLM.Provider {
	case "anthropic":
		if !hasKey(c.LLM.Anthropic, "ANTHROPIC_API_KEY") {
			errs = append(errs, &ValidationError{
				Field:   "llm.anthropic.api_key",
				Message: "Anthropic API key is required",
			})
		}
	case "openai":
		if !hasKey(c.LLM.OpenAI, "OPENAI_API_KEY") {
			errs = append(errs, &ValidationError{
				Field:   "llm.openai.api_key",
				Message: "OpenAI API key is required",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: anthropic, openai", c.LLM.Provider),
		})
	}

	// Validate budget configuration
	if c.Budget.PerSessionTokenLimit < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.per_session_token_limit",
			Message: fmt.Sprintf("per_session_token_limit cannot be negative, got %d", c.Budget.PerSessionTokenLimit),
		})
	}

	if c.Budget.RunCostLimitUSD < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.run_cost_limit_usd",
			Message: fmt.Sprintf("run_cost_limit_usd cannot be negative, got %.2f", c.Budget.RunCostLimitUSD),
		})
	}

	// Validate database configuration (only when the mirror is on)
	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite":
			if c.Database.SQLitePath == "" {
				errs = append(errs, &ValidationError{
					Field:   "database.sqlite_path",
					Message: "sqlite_path is required when database type is sqlite",
				})
			}
		case "postgres":
			if c.Database.PostgresURL == "" {
				errs = append(errs, &ValidationError{
					Field:   "database.postgres_url",
					Message: "postgres_url is required when database type is postgres",
				})
			}
		default:
			errs = append(errs, &ValidationError{
				Field:   "database.type",
				Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
			})
		}
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_minute",
			Message: fmt.Sprintf("rate limit must be >= 0, got %d", c.Server.RateLimitPerMinute),
		})
	}

	// Validate tracing configuration
	if c.Tracing.Endpoint != "" {
		switch c.Tracing.Protocol {
		case "grpc", "http":
		default:
			errs = append(errs, &ValidationError{
				Field:   "tracing.protocol",
				Message: fmt.Sprintf("invalid protocol '%s', must be one of: grpc, http", c.Tracing.Protocol),
			})
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate),
		})
	}

	return errs
}

func hasKey(settings map[string]interface{}, envVar string) bool {
	if apiKey, ok := settings["api_key"].(string); ok && apiKey != "" {
		return true
	}
	return os.Getenv(envVar) != ""
}
