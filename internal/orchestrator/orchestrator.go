// Package orchestrator drives an investigation run: one bounded session per
// hypothesis in priority order, with every status change and finding
// persisted before the next session starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/audit"
	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
	"github.com/kubilitics/kubilitics-investigator/internal/tracing"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

var (
	// ErrRunExists is returned by Run when the run already has a hypothesis ledger.
	ErrRunExists = errors.New("run already exists")

	// ErrRunNotFound is returned by Resume for an unknown run.
	ErrRunNotFound = errors.New("run not found")
)

// SessionRunner investigates one hypothesis.
type SessionRunner interface {
	Run(ctx context.Context, h hypothesis.Hypothesis, paths workspace.Paths, cfg session.Config) (*session.Log, *session.Outcome, error)
}

// Recorder observes a run. Recorder errors are logged and never fail the run.
type Recorder interface {
	RecordState(ctx context.Context, runID string, state State) error
	RecordHypotheses(ctx context.Context, runID string, hs []hypothesis.Hypothesis) error
	RecordStatus(ctx context.Context, runID, hypothesisID string, status hypothesis.Status) error
	RecordSession(ctx context.Context, runID string, log *session.Log) error
	RecordFinding(ctx context.Context, runID string, f findings.Finding) error
}

// Finisher runs once the findings ledger is finalized. Failures are logged.
type Finisher interface {
	Finish(ctx context.Context, res *Result) error
}

// FinisherFunc adapts a function to Finisher.
type FinisherFunc func(ctx context.Context, res *Result) error

func (f FinisherFunc) Finish(ctx context.Context, res *Result) error { return f(ctx, res) }

// Deps wires an Orchestrator.
type Deps struct {
	// Root is the workspace root holding one directory per run.
	Root string

	Runner        SessionRunner
	SessionConfig session.Config

	Logger    *zap.Logger
	Audit     audit.Logger
	Recorders []Recorder
	Finishers []Finisher
	Clock     func() time.Time
}

// Result describes a finished (or failed) run.
type Result struct {
	RunID      string
	State      State
	Workspace  *workspace.Workspace
	Hypotheses []hypothesis.Hypothesis
	Ledger     *findings.Ledger
	Sessions   int
	Duration   time.Duration
}

// Orchestrator executes investigation runs. Runs are sequential; one
// Orchestrator may execute several runs one after another.
type Orchestrator struct {
	deps Deps
}

// New validates deps and returns an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("session runner is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Orchestrator{deps: deps}, nil
}

// run holds the state of one execution.
type run struct {
	o      *Orchestrator
	logger *zap.Logger
	start  time.Time

	state    State
	ws       *workspace.Workspace
	ledger   *hypothesis.Ledger
	builder  *findings.Builder
	progress *progress.Log
	sessions int
}

func (o *Orchestrator) newRun(runID string) (*run, error) {
	ws, err := workspace.New(o.deps.Root, runID)
	if err != nil {
		return nil, err
	}
	logger := o.deps.Logger.With(zap.String("run_id", runID))
	ledger := hypothesis.NewLedger(ws.HypothesesPath(), logger)
	return &run{
		o:        o,
		logger:   logger,
		start:    o.deps.Clock(),
		state:    StateInitializing,
		ws:       ws,
		ledger:   ledger,
		builder:  findings.NewBuilder(ws.FindingsPath(), ledger, o.deps.Clock),
		progress: progress.New(ws.ProgressPath(), o.deps.Clock),
	}, nil
}

// Run starts a new run over hypotheses. The returned Result is non-nil
// whenever the run got past input validation, including failed runs.
func (o *Orchestrator) Run(ctx context.Context, runID string, hypotheses []hypothesis.Hypothesis) (*Result, error) {
	hs := append([]hypothesis.Hypothesis(nil), hypotheses...)
	if err := hypothesis.Normalize(hs); err != nil {
		return nil, fmt.Errorf("invalid hypotheses: %w", err)
	}
	// A new run investigates every hypothesis, whatever status it came in with.
	reset := 0
	for i := range hs {
		if hs[i].Status != hypothesis.StatusPending {
			hs[i].Status = hypothesis.StatusPending
			reset++
		}
	}
	r, err := o.newRun(runID)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(r.ws.HypothesesPath()); err == nil && info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	ctx, span := tracing.StartSpan(ctx, "orchestrator.run",
		attribute.String("run_id", runID),
		attribute.Int("hypotheses", len(hs)),
	)
	res, err := r.execute(ctx, func(ctx context.Context) error {
		if err := r.ws.Materialize(); err != nil {
			return err
		}
		if err := r.ledger.Save(hs); err != nil {
			return err
		}
		if _, err := r.builder.Initialize(runID); err != nil {
			return err
		}
		if err := r.progress.Started(); err != nil {
			return err
		}
		if reset > 0 {
			r.logger.Warn("Input statuses reset to PENDING", zap.Int("hypotheses", reset))
		}
		_ = o.deps.Audit.LogInvestigationStarted(ctx, runID, len(hs))
		r.logger.Info("Investigation started", zap.Int("hypotheses", len(hs)))
		r.record("hypotheses", func(rec Recorder) error { return rec.RecordHypotheses(ctx, runID, r.ledger.Snapshot()) })
		return nil
	})
	tracing.EndSpan(span, err)
	return res, err
}

// Resume continues an interrupted run. Hypotheses left INVESTIGATING are
// reset to PENDING and re-run from scratch; the findings ledger is kept.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	r, err := o.newRun(runID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.ws.HypothesesPath()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	ctx, span := tracing.StartSpan(ctx, "orchestrator.resume", attribute.String("run_id", runID))
	res, err := r.execute(ctx, func(ctx context.Context) error {
		if err := r.ws.Materialize(); err != nil {
			return err
		}
		hs, err := r.ledger.Recover()
		if err != nil {
			return err
		}
		var existing *findings.Ledger
		if _, statErr := os.Stat(r.ws.FindingsPath()); !os.IsNotExist(statErr) {
			if existing, err = r.builder.Load(); err != nil {
				return err
			}
		}
		missing, err := r.missingFindings(hs, existing)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			_, err = r.builder.Initialize(runID, missing...)
		case len(missing) > 0:
			_, err = r.builder.AppendAll(missing)
		}
		if err != nil {
			return err
		}
		for _, f := range missing {
			r.logger.Info("Recovered missing finding", zap.String("hypothesis_id", f.HypothesisID))
		}
		r.logger.Info("Investigation resumed", zap.Int("pending", hypothesis.CountPending(hs)))
		r.record("hypotheses", func(rec Recorder) error { return rec.RecordHypotheses(ctx, runID, hs) })
		return nil
	})
	tracing.EndSpan(span, err)
	return res, err
}

// missingFindings rebuilds findings for hypotheses that reached a terminal
// status without one, as happens when a run stops between the two writes.
// existing may be nil when the findings ledger itself was lost.
func (r *run) missingFindings(hs []hypothesis.Hypothesis, existing *findings.Ledger) ([]findings.Finding, error) {
	var out []findings.Finding
	for _, h := range hs {
		if !h.Status.Terminal() || (existing != nil && existing.Has(h.ID)) {
			continue
		}
		f := findings.Finding{
			HypothesisID: h.ID,
			Outcome:      h.Status,
			Evidence:     session.EvidenceCouldNotComplete,
			Confidence:   string(session.ConfidenceLow),
			KeyMetrics:   []string{},
		}
		log, ok, err := session.LatestSummary(r.ws.LogsDir(), h.ID)
		if err != nil {
			return nil, err
		}
		if ok && log.Outcome == h.Status {
			f = r.findingFrom(h, log, &session.Outcome{
				Outcome:    log.Outcome,
				Confidence: log.Confidence,
				Evidence:   log.Evidence,
				KeyMetrics: log.KeyFindings,
			})
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *run) execute(ctx context.Context, initialize func(context.Context) error) (*Result, error) {
	r.record("state", func(rec Recorder) error { return rec.RecordState(ctx, r.ws.RunID, r.state) })

	if err := initialize(ctx); err != nil {
		return r.fail(ctx, fmt.Errorf("initialize run: %w", err))
	}
	if err := r.transition(ctx, StateLooping); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.loop(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.transition(ctx, StateFinalizing); err != nil {
		return r.fail(ctx, err)
	}
	res, err := r.finalize(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.transition(ctx, StateDone); err != nil {
		return r.fail(ctx, err)
	}
	res.State = r.state
	res.Duration = r.o.deps.Clock().Sub(r.start)

	metrics.RunsTotal.WithLabelValues(string(StateDone)).Inc()
	metrics.RunDuration.Observe(res.Duration.Seconds())
	_ = r.o.deps.Audit.LogInvestigationCompleted(ctx, r.ws.RunID, res.Ledger.Summary.Confirmed, res.Duration)
	r.logger.Info("Investigation complete",
		zap.Int("sessions", r.sessions),
		zap.Int("confirmed", res.Ledger.Summary.Confirmed),
		zap.Int("ruled_out", res.Ledger.Summary.RuledOut),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// ─── LOOPING ─────────────────────────────────────────────────────────────────

func (r *run) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		h, ok := hypothesis.NextPending(r.ledger.Snapshot())
		if !ok {
			return nil
		}
		if err := r.investigate(ctx, *h); err != nil {
			return err
		}
	}
}

func (r *run) investigate(ctx context.Context, h hypothesis.Hypothesis) error {
	runID := r.ws.RunID
	logger := r.logger.With(zap.String("hypothesis_id", h.ID))

	if err := r.setStatus(ctx, h.ID, h.Status, hypothesis.StatusInvestigating); err != nil {
		return err
	}
	if err := r.progress.Investigating(h.Title); err != nil {
		return err
	}
	paths, err := r.ws.SessionPaths(h.ID)
	if err != nil {
		return err
	}

	h.Status = hypothesis.StatusInvestigating
	logger.Info("Investigating hypothesis", zap.String("title", h.Title), zap.Int("priority", h.Priority))
	log, outcome, err := r.o.deps.Runner.Run(ctx, h, paths, r.o.deps.SessionConfig)
	r.sessions++
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return fmt.Errorf("run cancelled during %s: %w", h.ID, ctx.Err())
	case errors.Is(err, session.ErrStorage):
		return fmt.Errorf("session %s: %w", h.ID, err)
	default:
		logger.Error("Session failed; recording as ruled out", zap.Error(err))
		outcome = session.FailedOutcome()
	}

	if err := r.setStatus(ctx, h.ID, hypothesis.StatusInvestigating, outcome.Outcome); err != nil {
		return err
	}
	f := r.findingFrom(h, log, outcome)
	if _, err := r.builder.Append(f); err != nil {
		return err
	}
	if err := r.progress.Completed(h.Title, outcome.Outcome); err != nil {
		return err
	}

	if log != nil {
		r.record("session", func(rec Recorder) error { return rec.RecordSession(ctx, runID, log) })
	}
	r.record("finding", func(rec Recorder) error { return rec.RecordFinding(ctx, runID, f) })
	return nil
}

func (r *run) setStatus(ctx context.Context, id string, from, to hypothesis.Status) error {
	if _, err := r.ledger.UpdateStatus(id, to); err != nil {
		return err
	}
	_ = r.o.deps.Audit.LogHypothesisStatus(ctx, r.ws.RunID, id, string(from), string(to))
	r.record("status", func(rec Recorder) error { return rec.RecordStatus(ctx, r.ws.RunID, id, to) })
	return nil
}

func (r *run) findingFrom(h hypothesis.Hypothesis, log *session.Log, outcome *session.Outcome) findings.Finding {
	f := findings.Finding{
		FindingID:    findings.IDFor(h.ID),
		HypothesisID: h.ID,
		Outcome:      outcome.Outcome,
		Evidence:     outcome.Evidence,
		Confidence:   string(outcome.Confidence),
		KeyMetrics:   append([]string{}, outcome.KeyMetrics...),
		CompletedAt:  r.o.deps.Clock().UTC(),
	}
	if log != nil {
		f.SessionLogRef = r.ws.Rel(log.SummaryPath)
		if log.EndTime != nil {
			f.CompletedAt = *log.EndTime
		}
	}
	return f
}

// ─── FINALIZING ──────────────────────────────────────────────────────────────

func (r *run) finalize(ctx context.Context) (*Result, error) {
	ledger, err := r.builder.Finalize()
	if err != nil {
		return nil, err
	}
	if err := r.progress.Complete(ledger.Summary.Confirmed); err != nil {
		return nil, err
	}
	_ = r.o.deps.Audit.LogLedgerFinalized(ctx, r.ws.RunID, ledger.Summary.Confirmed, ledger.Summary.RuledOut, ledger.Summary.Pending)

	res := &Result{
		RunID:      r.ws.RunID,
		State:      r.state,
		Workspace:  r.ws,
		Hypotheses: r.ledger.Snapshot(),
		Ledger:     ledger,
		Sessions:   r.sessions,
	}
	for _, fin := range r.o.deps.Finishers {
		if err := fin.Finish(ctx, res); err != nil {
			r.logger.Warn("Finisher failed", zap.Error(err))
		}
	}
	return res, nil
}

// ─── State ───────────────────────────────────────────────────────────────────

func (r *run) transition(ctx context.Context, to State) error {
	if err := validateTransition(r.state, to); err != nil {
		return err
	}
	r.logger.Debug("Run state changed", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	r.record("state", func(rec Recorder) error { return rec.RecordState(ctx, r.ws.RunID, to) })
	return nil
}

// fail moves the run to FAILED and reports cause. The progress ERROR line
// and audit event are best effort since storage may be what failed.
func (r *run) fail(ctx context.Context, cause error) (*Result, error) {
	// The caller's ctx may be the reason for failing.
	bg := context.WithoutCancel(ctx)
	if err := r.transition(bg, StateFailed); err != nil {
		r.logger.Error("Cannot mark run failed", zap.Error(err))
	}
	if err := r.progress.Error(cause.Error()); err != nil {
		r.logger.Warn("Could not write progress error line", zap.Error(err))
	}
	_ = r.o.deps.Audit.LogInvestigationFailed(bg, r.ws.RunID, cause)
	metrics.RunsTotal.WithLabelValues(string(StateFailed)).Inc()
	r.logger.Error("Investigation failed", zap.String("state", string(r.state)), zap.Error(cause))

	return &Result{
		RunID:      r.ws.RunID,
		State:      r.state,
		Workspace:  r.ws,
		Hypotheses: r.ledger.Snapshot(),
		Ledger:     r.builder.Current(),
		Sessions:   r.sessions,
		Duration:   r.o.deps.Clock().Sub(r.start),
	}, cause
}

func (r *run) record(what string, fn func(Recorder) error) {
	for _, rec := range r.o.deps.Recorders {
		if err := fn(rec); err != nil {
			r.logger.Warn("Recorder failed", zap.String("record", what), zap.Error(err))
		}
	}
}
