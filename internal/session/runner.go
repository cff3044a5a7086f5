// Package session runs one hypothesis to a terminal outcome through the
// iterative agent capability, logging every step.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/audit"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/tracing"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// Options configures a Runner.
type Options struct {
	Logger *zap.Logger
	Audit  audit.Logger
	Clock  func() time.Time
}

// Runner executes investigation sessions.
type Runner struct {
	agent  agent.Agent
	logger *zap.Logger
	audit  audit.Logger
	clock  func() time.Time
}

// NewRunner returns a runner that drives a.
func NewRunner(a agent.Agent, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{agent: a, logger: opts.Logger, audit: opts.Audit, clock: opts.Clock}
}

// Run investigates h. It always yields an outcome unless ctx is cancelled
// or the session logs cannot be written (ErrStorage).
func (r *Runner) Run(ctx context.Context, h hypothesis.Hypothesis, paths workspace.Paths, cfg Config) (*Log, *Outcome, error) {
	cfg = cfg.withDefaults()
	logger := r.logger.With(zap.String("run_id", paths.RunID), zap.String("hypothesis_id", h.ID))

	ctx, span := tracing.StartSpan(ctx, "session.run",
		attribute.String("run_id", paths.RunID),
		attribute.String("hypothesis_id", h.ID),
		attribute.Int("max_turns", cfg.MaxTurns),
	)
	var runErr error
	defer func() { tracing.EndSpan(span, runErr) }()

	if cfg.PermissionMode != PermissionUnattended {
		logger.Warn("Permission mode is not enforced; session runs unattended", zap.String("permission_mode", cfg.PermissionMode))
	}

	start := r.clock().UTC()
	w, err := newLogWriter(paths.LogsDir, h.ID, start, r.clock)
	if err != nil {
		runErr = err
		return nil, nil, err
	}

	dataFiles, err := workspace.ListFiles(paths.FilesDir, paths.RunDir)
	if err != nil {
		logger.Warn("Could not list data files", zap.Error(err))
	}

	req := agent.Request{
		SessionID:           paths.RunID + "/" + h.ID,
		System:              SystemInstruction(cfg.MaxTurns),
		Prompt:              HypothesisPrompt(h, paths, dataFiles),
		AllowedCapabilities: cfg.AllowedCapabilities,
		Cwd:                 paths.RunDir,
		ScriptsDir:          paths.ScriptsDir,
		ArtifactsDir:        paths.ArtifactsDir,
		MaxTurns:            cfg.MaxTurns,
		Model:               cfg.ModelIdentifier,
	}

	_ = r.audit.LogSessionStarted(ctx, paths.RunID, h.ID)
	logger.Info("Session started", zap.Int("max_turns", cfg.MaxTurns), zap.Int("data_files", len(dataFiles)))

	st := &streamState{writer: w, maxTurns: cfg.MaxTurns}
	var outcome *Outcome

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * cfg.RetryBackoff
			metrics.SessionRetries.Inc()
			_ = r.audit.LogSessionRetried(ctx, paths.RunID, h.ID, attempt, st.lastErr)
			logger.Warn("Retrying session after transport failure",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(st.lastErr),
			)
			if err := w.recordRetry(attempt, st.lastErr, wait); err != nil {
				runErr = err
				return nil, nil, err
			}
			if err := sleep(ctx, wait); err != nil {
				runErr = err
				return nil, nil, err
			}
			st.reset()
		}

		err := r.stream(ctx, req, st)
		if err == nil {
			break
		}
		if errors.Is(err, ErrStorage) || ctx.Err() != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("session %s cancelled: %w", h.ID, ctx.Err())
			}
			runErr = err
			return nil, nil, err
		}
		st.lastErr = err
		if !agent.IsTransport(err) {
			logger.Error("Session failed", zap.Error(err))
			_ = r.audit.LogSessionFailed(ctx, paths.RunID, h.ID, err)
			outcome = FailedOutcome()
			break
		}
		if attempt >= cfg.MaxRetries {
			logger.Error("Session failed after retries", zap.Int("attempts", attempt+1), zap.Error(err))
			_ = r.audit.LogSessionFailed(ctx, paths.RunID, h.ID, err)
			outcome = FailedOutcome()
			break
		}
	}

	if outcome == nil {
		if parsed, ok := ParseConclusion(st.lastEntry); ok {
			outcome = parsed
		} else {
			outcome = ForcedOutcome(st.turns)
			logger.Info("No conclusion found; forcing outcome", zap.Int("turns", st.turns))
		}
	}

	if err := w.finalize(outcome, st.usage); err != nil {
		runErr = err
		return nil, nil, err
	}

	duration := r.clock().Sub(start)
	metrics.SessionsTotal.WithLabelValues(string(outcome.Outcome), string(outcome.Confidence), fmt.Sprint(outcome.Forced)).Inc()
	metrics.SessionDuration.Observe(duration.Seconds())
	metrics.SessionTurns.Observe(float64(st.turns))
	_ = r.audit.LogSessionCompleted(ctx, paths.RunID, h.ID, string(outcome.Outcome), duration)

	logger.Info("Session completed",
		zap.String("outcome", string(outcome.Outcome)),
		zap.String("confidence", string(outcome.Confidence)),
		zap.Bool("forced", outcome.Forced),
		zap.Int("turns", st.turns),
		zap.Int("total_tokens", st.usage.TotalTokens),
		zap.Float64("cost_usd", st.usage.CostUSD),
	)
	span.SetAttributes(
		attribute.String("outcome", string(outcome.Outcome)),
		attribute.Int("turns", st.turns),
	)

	summary := *w.summary
	return &summary, outcome, nil
}

// streamState accumulates one session across attempts. Usage and step
// numbering carry over retries; turns and the last entry do not.
type streamState struct {
	writer   *logWriter
	maxTurns int

	steps     int
	turns     int
	lastEntry string
	usage     agent.Usage
	lastErr   error
}

func (s *streamState) reset() {
	s.turns = 0
	s.lastEntry = ""
}

func (r *Runner) stream(ctx context.Context, req agent.Request, st *streamState) error {
	events, err := r.agent.Run(ctx, req)
	if err != nil {
		return err
	}

	var streamErr error
	for evt := range events {
		if streamErr != nil {
			continue
		}
		if evt.Err != nil {
			streamErr = evt.Err
			continue
		}
		step := evt.Step
		st.steps++
		st.turns++
		st.usage = st.usage.Add(step.Usage)
		st.lastEntry = step.LogEntry
		if err := st.writer.recordStep(st.steps, st.maxTurns, step, st.usage); err != nil {
			streamErr = err
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}
	return streamErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func relTo(base, path string) string {
	if base == "" || path == "" {
		return ""
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}
