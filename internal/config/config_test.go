package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "OPENAI_API_KEY",
		"ANALYSIS_MAX_TURNS", "SESSION_STORAGE_PATH",
		"INVESTIGATOR_SERVER_PORT", "INVESTIGATOR_SESSION_MAX_RETRIES",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sessions", cfg.Workspace.Root)

	assert.Equal(t, 10, cfg.Session.MaxTurns)
	assert.ElementsMatch(t, []string{"read-file", "write-file", "execute-shell", "list-files"}, cfg.Session.AllowedCapabilities)
	assert.Equal(t, "unattended", cfg.Session.PermissionMode)
	assert.Equal(t, 2, cfg.Session.MaxRetries)
	assert.Equal(t, 2000, cfg.Session.RetryBackoffMs)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.NotNil(t, cfg.LLM.OpenAI)
	assert.NotNil(t, cfg.LLM.Anthropic)

	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Type)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Empty(t, cfg.Tracing.Endpoint)
}

func TestDefaultCapabilitiesNotShared(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.AllowedCapabilities[0] = "mutated"
	assert.Equal(t, "read-file", DefaultCapabilities[0])
}

func TestConfigValidation(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name: "valid default config",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
			},
		},
		{
			name:      "missing Anthropic API key",
			modifyFn:  func(cfg *Config) {},
			wantError: true,
			errorMsg:  "Anthropic API key is required",
		},
		{
			name: "missing OpenAI API key",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Provider = "openai"
			},
			wantError: true,
			errorMsg:  "OpenAI API key is required",
		},
		{
			name: "invalid LLM provider",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Provider = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid provider",
		},
		{
			name: "zero max turns",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Session.MaxTurns = 0
			},
			wantError: true,
			errorMsg:  "max_turns must be at least 1",
		},
		{
			name: "unknown capability",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Session.AllowedCapabilities = []string{"read-file", "delete-everything"}
			},
			wantError: true,
			errorMsg:  "unknown capability 'delete-everything'",
		},
		{
			name: "invalid permission mode",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Session.PermissionMode = "yolo"
			},
			wantError: true,
			errorMsg:  "invalid permission mode",
		},
		{
			name: "negative retries",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Session.MaxRetries = -1
			},
			wantError: true,
			errorMsg:  "max_retries cannot be negative",
		},
		{
			name: "postgres without url",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Database.Enabled = true
				cfg.Database.Type = "postgres"
			},
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name: "database type ignored when disabled",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Database.Type = "oracle"
			},
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid tracing protocol",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Anthropic["api_key"] = "test-key"
				cfg.Tracing.Endpoint = "localhost:4317"
				cfg.Tracing.Protocol = "udp"
			},
			wantError: true,
			errorMsg:  "invalid protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if !tt.wantError {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
				return
			}
			require.NotEmpty(t, errs, "expected validation errors but got none")
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "investigator.yaml")

	configContent := `
workspace:
  root: "/data/runs"

session:
  max_turns: 6
  allowed_capabilities: ["read-file", "list-files"]
  max_retries: 1

llm:
  provider: "anthropic"
  anthropic:
    api_key: "test-anthropic-key"
    model: "claude-3-5-haiku-20241022"

database:
  enabled: true
  type: "sqlite"
  sqlite_path: "/data/findings.db"

logging:
  level: "debug"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, "/data/runs", cfg.Workspace.Root)
	assert.Equal(t, 6, cfg.Session.MaxTurns)
	assert.Equal(t, []string{"read-file", "list-files"}, cfg.Session.AllowedCapabilities)
	assert.Equal(t, 1, cfg.Session.MaxRetries)
	assert.Equal(t, 2000, cfg.Session.RetryBackoffMs, "unset keys keep defaults")
	assert.Equal(t, "test-anthropic-key", cfg.LLM.Anthropic["api_key"])
	assert.Equal(t, "claude-3-5-haiku-20241022", cfg.ProviderSetting("model"))
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "/data/findings.db", cfg.Database.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("INVESTIGATOR_SERVER_PORT", "7070")
	t.Setenv("INVESTIGATOR_SESSION_MAX_RETRIES", "4")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")
	t.Setenv("ANALYSIS_MAX_TURNS", "3")
	t.Setenv("SESSION_STORAGE_PATH", "/tmp/analysis-sessions")

	configPath := filepath.Join(t.TempDir(), "investigator.yaml")
	configContent := `
server:
  port: 8081
session:
  max_turns: 12
llm:
  provider: "anthropic"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "port should be overridden by environment variable")
	assert.Equal(t, 4, cfg.Session.MaxRetries)
	assert.Equal(t, 3, cfg.Session.MaxTurns, "ANALYSIS_MAX_TURNS wins over the file")
	assert.Equal(t, "/tmp/analysis-sessions", cfg.Workspace.Root)
	assert.Equal(t, "env-anthropic-key", cfg.LLM.Anthropic["api_key"])
}

func TestConfigManagerInvalidMaxTurnsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANALYSIS_MAX_TURNS", "ten")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	err = mgr.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYSIS_MAX_TURNS")
}

func TestConfigManagerMissingFile(t *testing.T) {
	clearEnv(t)

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Session.MaxTurns)
}

func TestConfigManagerValidation(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "investigator.yaml")

	configContent := `
server:
  port: 99999
llm:
  provider: "invalid-provider"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestConfigManagerReload(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "investigator.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  max_turns: 4\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 4, mgr.Get(ctx).Session.MaxTurns)

	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  max_turns: 8\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 8, mgr.Get(ctx).Session.MaxTurns)
}

func TestConfigManagerWatch(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "investigator.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  max_turns: 4\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Load(ctx))

	updates := mgr.Watch(ctx)
	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  max_turns: 9\n"), 0644))

	// A write can surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Session.MaxTurns == 9 {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for config change, current max_turns=%d", mgr.Get(ctx).Session.MaxTurns)
		}
	}
}
