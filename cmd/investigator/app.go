package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/agent/llmagent"
	"github.com/kubilitics/kubilitics-investigator/internal/audit"
	"github.com/kubilitics/kubilitics-investigator/internal/config"
	"github.com/kubilitics/kubilitics-investigator/internal/db"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/budget"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/provider/openai"
	"github.com/kubilitics/kubilitics-investigator/internal/memory"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
	"github.com/kubilitics/kubilitics-investigator/internal/tracing"
)

const serviceName = "kubilitics-investigator"

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	verbose    bool

	stdout io.Writer
	stderr io.Writer

	// newAgent builds the session agent; tests replace it.
	newAgent func(cfg *config.Config, tracker *budget.Tracker, logger *zap.Logger) (agent.Agent, error)

	mgr     config.ConfigManager
	cfg     *config.Config
	audit   audit.Logger
	logger  *zap.Logger
	store   *db.Store
	tracker *budget.Tracker
	closers []func()
}

// setup loads configuration and opens the logging, tracing and database
// stack. Every subcommand calls it before doing any work.
func (a *app) setup(ctx context.Context) error {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	a.mgr = mgr
	a.cfg = mgr.Get(ctx)

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: a.cfg.Logging.AuditLogPath,
		AppLogPath:   a.cfg.Logging.AppLogPath,
		MaxSize:      a.cfg.Logging.MaxSizeMB,
		MaxBackups:   a.cfg.Logging.MaxBackups,
		MaxAge:       a.cfg.Logging.MaxAgeDays,
		Compress:     true,
		LogLevel:     strings.ToLower(a.cfg.Logging.Level),
		Console:      a.cfg.Logging.Console || a.verbose,
	})
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	a.audit = auditLog
	a.logger = auditLog.App()
	a.closers = append(a.closers, func() { _ = auditLog.Close() })

	shutdown, err := tracing.Init(serviceName, a.cfg.Tracing.Endpoint, a.cfg.Tracing.Protocol, a.cfg.Tracing.SamplingRate)
	if err != nil {
		a.logger.Warn("tracing disabled", zap.Error(err))
	} else {
		a.closers = append(a.closers, shutdown)
	}

	if a.cfg.Database.Enabled {
		store, err := db.Open(db.Config{
			Type:        a.cfg.Database.Type,
			SQLitePath:  a.cfg.Database.SQLitePath,
			PostgresURL: a.cfg.Database.PostgresURL,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() { _ = store.Close() })
	}

	a.logger.Info("configuration loaded",
		zap.String("config", a.configPath),
		zap.String("workspace_root", a.cfg.Workspace.Root),
		zap.String("provider", a.cfg.LLM.Provider),
		zap.Bool("database", a.cfg.Database.Enabled),
	)
	return nil
}

// close releases everything opened by setup, in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// watchConfig logs configuration file changes until ctx ends. Changes apply
// to the next run.
func (a *app) watchConfig(ctx context.Context) {
	updates := a.mgr.Watch(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				if errs := cfg.Validate(); len(errs) > 0 {
					a.logger.Warn("ignoring invalid configuration change", zap.Int("errors", len(errs)))
					continue
				}
				a.logger.Info("configuration changed; applies to the next run",
					zap.Int("max_turns", cfg.Session.MaxTurns),
					zap.String("provider", cfg.LLM.Provider),
				)
				_ = a.audit.LogConfigChanged(ctx, a.configPath)
			}
		}
	}()
}

// sessionConfig maps the session section onto session.Config.
func (a *app) sessionConfig() (session.Config, error) {
	caps, err := agent.ParseCapabilities(a.cfg.Session.AllowedCapabilities)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		MaxTurns:            a.cfg.Session.MaxTurns,
		AllowedCapabilities: caps,
		ModelIdentifier:     a.cfg.ProviderSetting("model"),
		PermissionMode:      a.cfg.Session.PermissionMode,
		MaxRetries:          a.cfg.Session.MaxRetries,
		RetryBackoff:        time.Duration(a.cfg.Session.RetryBackoffMs) * time.Millisecond,
	}, nil
}

// orchestrator wires the session runner, the optional SQL mirror and the
// memory document compiler.
func (a *app) orchestrator(mc memory.Context) (*orchestrator.Orchestrator, error) {
	a.tracker = budget.NewTracker(budget.Config{
		PerSessionTokenLimit: a.cfg.Budget.PerSessionTokenLimit,
		RunCostLimitUSD:      a.cfg.Budget.RunCostLimitUSD,
	})
	ag, err := a.newAgent(a.cfg, a.tracker, a.logger)
	if err != nil {
		return nil, err
	}
	sc, err := a.sessionConfig()
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Root:          a.cfg.Workspace.Root,
		Runner:        session.NewRunner(ag, session.Options{Logger: a.logger, Audit: a.audit}),
		SessionConfig: sc,
		Logger:        a.logger,
		Audit:         a.audit,
		Finishers:     []orchestrator.Finisher{memory.NewCompiler(mc, a.logger)},
	}
	if a.store != nil {
		deps.Recorders = append(deps.Recorders, a.store)
		deps.Finishers = append(deps.Finishers, a.store)
	}
	return orchestrator.New(deps)
}

// newLLMAgent builds an agent on the configured provider.
func newLLMAgent(cfg *config.Config, tracker *budget.Tracker, logger *zap.Logger) (agent.Agent, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	a, err := llmagent.New(provider, llmagent.Options{
		Tracker:      tracker,
		ShellTimeout: time.Duration(cfg.Session.ShellTimeoutSeconds) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newProvider(cfg *config.Config) (llmagent.Provider, error) {
	apiKey := cfg.ProviderSetting("api_key")
	model := cfg.ProviderSetting("model")
	baseURL := cfg.ProviderSetting("base_url")

	switch strings.ToLower(cfg.LLM.Provider) {
	case "anthropic":
		c, err := anthropic.NewClient(apiKey, model)
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			c.SetBaseURL(baseURL)
		}
		return c, nil
	case "openai":
		c, err := openai.NewClient(apiKey, model)
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			c.SetBaseURL(baseURL)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLM.Provider)
	}
}
