package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/audit"
	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

const iosEvidence = "iOS DAU dropped 15.6% while Android +0.2%"

func conclusion(outcome, confidence, evidence string) agent.StepEvent {
	return agent.StepEvent{
		Action:   "respond",
		LogEntry: fmt.Sprintf("CONCLUSION\nOUTCOME: %s\nCONFIDENCE: %s\nEVIDENCE: %s\nKEY_METRICS: iOS DAU -15.6%%", outcome, confidence, evidence),
		Decision: "conclude",
		Usage:    agent.Usage{InputTokens: 10, TotalTokens: 10},
	}
}

func ruledOut() agent.Attempt {
	return agent.Attempt{Steps: []agent.StepEvent{conclusion("RULED_OUT", "MEDIUM", "no change")}}
}

func threeHypotheses() []hypothesis.Hypothesis {
	return []hypothesis.Hypothesis{
		{ID: "H1", Title: "Seasonal dip", Priority: 2},
		{ID: "H2", Title: "iOS release broke login", Priority: 1},
		{ID: "H3", Title: "Campaign ended", Priority: 3},
	}
}

func hypothesisOf(req agent.Request) string {
	return req.SessionID[strings.LastIndex(req.SessionID, "/")+1:]
}

// observer checks ledger invariants as the run progresses.
type observer struct {
	t           *testing.T
	findingsDoc string
	expected    int

	states   []State
	statuses map[string][]hypothesis.Status
	sessions []string
	findings []findings.Finding
}

func newObserver(t *testing.T) *observer {
	return &observer{t: t, statuses: map[string][]hypothesis.Status{}}
}

func (o *observer) RecordState(_ context.Context, _ string, s State) error {
	o.states = append(o.states, s)
	return nil
}

func (o *observer) RecordHypotheses(_ context.Context, _ string, hs []hypothesis.Hypothesis) error {
	for _, h := range hs {
		o.statuses[h.ID] = append(o.statuses[h.ID], h.Status)
	}
	return nil
}

func (o *observer) RecordStatus(_ context.Context, _ string, id string, s hypothesis.Status) error {
	o.statuses[id] = append(o.statuses[id], s)
	return nil
}

func (o *observer) RecordSession(_ context.Context, _ string, log *session.Log) error {
	o.sessions = append(o.sessions, log.HypothesisID)
	return nil
}

func (o *observer) RecordFinding(_ context.Context, _ string, f findings.Finding) error {
	o.findings = append(o.findings, f)
	if o.findingsDoc != "" {
		l, err := findings.Read(o.findingsDoc)
		require.NoError(o.t, err)
		assert.Equal(o.t, o.expected, l.Summary.TotalHypotheses)
	}
	return nil
}

func newOrchestrator(t *testing.T, root string, a agent.Agent, recorders ...Recorder) *Orchestrator {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	o, err := New(Deps{
		Root:          root,
		Runner:        session.NewRunner(a, session.Options{}),
		SessionConfig: cfg,
		Recorders:     recorders,
	})
	require.NoError(t, err)
	return o
}

func progressMessages(t *testing.T, res *Result) []string {
	t.Helper()
	entries, err := progress.Read(res.Workspace.ProgressPath())
	require.NoError(t, err)
	var msgs []string
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func TestRunInPriorityOrder(t *testing.T) {
	root := t.TempDir()
	scripted := agent.NewScripted(ruledOut())
	obs := newObserver(t)
	obs.findingsDoc = filepath.Join(root, "run-1", "analysis", "findings_ledger.json")
	obs.expected = 3

	res, err := newOrchestrator(t, root, scripted, obs).Run(context.Background(), "run-1", threeHypotheses())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Sessions)

	var order []string
	for _, req := range scripted.Requests() {
		order = append(order, hypothesisOf(req))
	}
	assert.Equal(t, []string{"H2", "H1", "H3"}, order)
	assert.Equal(t, []string{"H2", "H1", "H3"}, obs.sessions)
	assert.Equal(t, []State{StateInitializing, StateLooping, StateFinalizing, StateDone}, obs.states)

	assert.Equal(t, findings.Summary{TotalHypotheses: 3, RuledOut: 3}, res.Ledger.Summary)
	assert.NotNil(t, res.Ledger.FinalizedAt)
	for _, h := range res.Hypotheses {
		assert.Equal(t, hypothesis.StatusRuledOut, h.Status)
	}

	assert.Equal(t, []string{
		"Investigation started",
		"Investigating: iOS release broke login",
		"Completed: iOS release broke login -> RULED_OUT",
		"Investigating: Seasonal dip",
		"Completed: Seasonal dip -> RULED_OUT",
		"Investigating: Campaign ended",
		"Completed: Campaign ended -> RULED_OUT",
		"Investigation complete - 0 hypothesis confirmed",
	}, progressMessages(t, res))
}

func TestStatusesNeverRegress(t *testing.T) {
	obs := newObserver(t)
	_, err := newOrchestrator(t, t.TempDir(), agent.NewScripted(ruledOut()), obs).
		Run(context.Background(), "run-1", threeHypotheses())
	require.NoError(t, err)

	want := []hypothesis.Status{hypothesis.StatusPending, hypothesis.StatusInvestigating, hypothesis.StatusRuledOut}
	for id, seen := range obs.statuses {
		assert.Equal(t, want, seen, "hypothesis %s", id)
	}
}

func TestEmptyHypothesisList(t *testing.T) {
	scripted := agent.NewScripted()
	obs := newObserver(t)

	res, err := newOrchestrator(t, t.TempDir(), scripted, obs).Run(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []State{StateInitializing, StateLooping, StateFinalizing, StateDone}, obs.states)
	assert.Equal(t, findings.Summary{}, res.Ledger.Summary)
	assert.Zero(t, scripted.Calls())
	assert.Equal(t, []string{
		"Investigation started",
		"Investigation complete - 0 hypothesis confirmed",
	}, progressMessages(t, res))

	data, err := os.ReadFile(res.Workspace.HypothesesPath())
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestConfirmedFinding(t *testing.T) {
	scripted := agent.NewScripted(agent.Attempt{Steps: []agent.StepEvent{conclusion("CONFIRMED", "HIGH", iosEvidence)}})
	hs := []hypothesis.Hypothesis{{ID: "H1", Title: "iOS release broke login", Priority: 1}}

	res, err := newOrchestrator(t, t.TempDir(), scripted).Run(context.Background(), "run-1", hs)
	require.NoError(t, err)

	require.Len(t, res.Ledger.Findings, 1)
	f := res.Ledger.Findings[0]
	assert.Equal(t, "FH1", f.FindingID)
	assert.Equal(t, hypothesis.StatusConfirmed, f.Outcome)
	assert.Equal(t, "HIGH", f.Confidence)
	assert.Equal(t, iosEvidence, f.Evidence)
	assert.Equal(t, []string{"iOS DAU -15.6%"}, f.KeyMetrics)
	assert.True(t, strings.HasPrefix(f.SessionLogRef, "analysis/logs/session_H1_"), f.SessionLogRef)
	assert.FileExists(t, filepath.Join(res.Workspace.Dir, filepath.FromSlash(f.SessionLogRef)))
	assert.Equal(t, findings.Summary{TotalHypotheses: 1, Confirmed: 1}, res.Ledger.Summary)

	msgs := progressMessages(t, res)
	assert.Equal(t, "Investigation complete - 1 hypothesis confirmed", msgs[len(msgs)-1])
}

func TestTransportRetriesAreInvisibleInProgress(t *testing.T) {
	transport := &agent.TransportError{Err: errors.New("connection reset")}
	scripted := agent.NewScripted(
		agent.Attempt{Err: transport},
		agent.Attempt{Err: transport},
		agent.Attempt{Steps: []agent.StepEvent{conclusion("CONFIRMED", "HIGH", iosEvidence)}},
	)
	hs := []hypothesis.Hypothesis{{ID: "H1", Title: "iOS release broke login", Priority: 1}}

	res, err := newOrchestrator(t, t.TempDir(), scripted).Run(context.Background(), "run-1", hs)
	require.NoError(t, err)
	assert.Equal(t, 3, scripted.Calls())
	assert.Equal(t, hypothesis.StatusConfirmed, res.Ledger.Findings[0].Outcome)

	var investigating, completed int
	for _, m := range progressMessages(t, res) {
		if strings.HasPrefix(m, "Investigating:") {
			investigating++
		}
		if strings.HasPrefix(m, "Completed:") {
			completed++
		}
	}
	assert.Equal(t, 1, investigating)
	assert.Equal(t, 1, completed)
}

func TestExhaustionAdvances(t *testing.T) {
	scripted := agent.ScriptedFunc(func(req agent.Request, _ int) agent.Attempt {
		if hypothesisOf(req) == "H2" {
			steps := make([]agent.StepEvent, 20)
			for i := range steps {
				steps[i] = agent.StepEvent{Action: "list_files()", LogEntry: "still looking", Decision: "continue"}
			}
			return agent.Attempt{Steps: steps}
		}
		return agent.Attempt{Steps: []agent.StepEvent{conclusion("CONFIRMED", "MEDIUM", "weekly pattern")}}
	})

	res, err := newOrchestrator(t, t.TempDir(), scripted).Run(context.Background(), "run-1", threeHypotheses())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sessions)

	byID := map[string]findings.Finding{}
	for _, f := range res.Ledger.Findings {
		byID[f.HypothesisID] = f
	}
	assert.Equal(t, hypothesis.StatusRuledOut, byID["H2"].Outcome)
	assert.Equal(t, "LOW", byID["H2"].Confidence)
	assert.Equal(t, "investigation ended without a conclusion after 10 turns (forced termination)", byID["H2"].Evidence)
	assert.Equal(t, hypothesis.StatusConfirmed, byID["H1"].Outcome)
	assert.Equal(t, hypothesis.StatusConfirmed, byID["H3"].Outcome)
	assert.Equal(t, findings.Summary{TotalHypotheses: 3, Confirmed: 2, RuledOut: 1}, res.Ledger.Summary)
}

func TestLedgerStorageFailureDuringInitializing(t *testing.T) {
	root := t.TempDir()
	// A directory where the hypothesis ledger file belongs makes the write fail.
	blocked := filepath.Join(root, "run-1", workspace.HypothesesFile)
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "x"), 0o755))

	scripted := agent.NewScripted(ruledOut())
	auditLog := audit.NewMemoryLogger(nil)
	o, err := New(Deps{Root: root, Runner: session.NewRunner(scripted, session.Options{}), Audit: auditLog})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), "run-1", threeHypotheses())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, res.Sessions)
	assert.Zero(t, scripted.Calls())
	assert.Equal(t, 1, auditLog.Count(audit.EventInvestigationFailed))

	msgs := progressMessages(t, res)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "ERROR: initialize run:"), msgs[0])
}

func TestRunResetsInputStatuses(t *testing.T) {
	root := t.TempDir()
	scripted := agent.NewScripted(ruledOut())
	obs := newObserver(t)
	obs.findingsDoc = filepath.Join(root, "run-1", workspace.AnalysisDir, workspace.FindingsFile)
	obs.expected = 3

	hs := threeHypotheses()
	hs[0].Status = hypothesis.StatusConfirmed
	hs[1].Status = hypothesis.StatusInvestigating

	res, err := newOrchestrator(t, root, scripted, obs).Run(context.Background(), "run-1", hs)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, findings.Summary{TotalHypotheses: 3, RuledOut: 3}, res.Ledger.Summary)
	for _, h := range res.Hypotheses {
		assert.Equal(t, hypothesis.StatusRuledOut, h.Status, "hypothesis %s", h.ID)
	}

	want := []hypothesis.Status{hypothesis.StatusPending, hypothesis.StatusInvestigating, hypothesis.StatusRuledOut}
	for id, seen := range obs.statuses {
		assert.Equal(t, want, seen, "hypothesis %s", id)
	}
	// The caller's slice is left untouched.
	assert.Equal(t, hypothesis.StatusConfirmed, hs[0].Status)
}

func TestFindingsStorageFailureDuringInitializing(t *testing.T) {
	root := t.TempDir()
	blocked := filepath.Join(root, "run-1", workspace.AnalysisDir, workspace.FindingsFile)
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "x"), 0o755))

	scripted := agent.NewScripted(ruledOut())
	res, err := newOrchestrator(t, root, scripted).Run(context.Background(), "run-1", threeHypotheses())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, scripted.Calls())

	// The started line follows both ledgers, so a failed findings write leaves only the error.
	msgs := progressMessages(t, res)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "ERROR: initialize run:"), msgs[0])
}

func TestRunRejectsExistingRun(t *testing.T) {
	root := t.TempDir()
	o := newOrchestrator(t, root, agent.NewScripted(ruledOut()))
	_, err := o.Run(context.Background(), "run-1", nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), "run-1", nil)
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestRunRejectsInvalidInput(t *testing.T) {
	o := newOrchestrator(t, t.TempDir(), agent.NewScripted())
	_, err := o.Run(context.Background(), "run-1", []hypothesis.Hypothesis{{ID: "H1"}, {ID: "H1", Title: "dup"}})
	assert.Error(t, err)

	_, err = o.Run(context.Background(), "../escape", nil)
	assert.Error(t, err)
}

// cancelAfter cancels the run context once the given hypothesis starts.
type cancelAfter struct {
	id     string
	cancel context.CancelFunc
	inner  SessionRunner
}

func (c *cancelAfter) Run(ctx context.Context, h hypothesis.Hypothesis, paths workspace.Paths, cfg session.Config) (*session.Log, *session.Outcome, error) {
	if h.ID == c.id {
		c.cancel()
		return nil, nil, ctx.Err()
	}
	return c.inner.Run(ctx, h, paths, cfg)
}

func TestCancelThenResume(t *testing.T) {
	root := t.TempDir()
	scripted := agent.NewScripted(ruledOut())
	ctx, cancel := context.WithCancel(context.Background())

	o, err := New(Deps{
		Root:   root,
		Runner: &cancelAfter{id: "H1", cancel: cancel, inner: session.NewRunner(scripted, session.Options{})},
	})
	require.NoError(t, err)

	res, err := o.Run(ctx, "run-1", threeHypotheses())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, res.Ledger.Findings, 1)
	statuses := map[string]hypothesis.Status{}
	for _, h := range res.Hypotheses {
		statuses[h.ID] = h.Status
	}
	assert.Equal(t, hypothesis.StatusInvestigating, statuses["H1"])
	assert.Equal(t, hypothesis.StatusRuledOut, statuses["H2"])
	assert.Equal(t, 1, res.Ledger.Summary.RuledOut)
	assert.Equal(t, 3, res.Ledger.Summary.TotalHypotheses)

	resumed := newOrchestrator(t, root, scripted)
	res, err = resumed.Resume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Sessions)
	assert.Equal(t, findings.Summary{TotalHypotheses: 3, RuledOut: 3}, res.Ledger.Summary)

	msgs := progressMessages(t, res)
	assert.Equal(t, "Investigation complete - 0 hypothesis confirmed", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "ERROR: run cancelled during H1: context canceled")
}

func TestResumeRecoversMissingFinding(t *testing.T) {
	root := t.TempDir()
	hs := []hypothesis.Hypothesis{{ID: "H1", Title: "iOS release broke login", Priority: 1}}
	o := newOrchestrator(t, root, agent.NewScripted(agent.Attempt{Steps: []agent.StepEvent{conclusion("CONFIRMED", "HIGH", iosEvidence)}}))
	res, err := o.Run(context.Background(), "run-1", hs)
	require.NoError(t, err)

	// Simulate a stop between the status write and the finding append.
	b := findings.NewBuilder(res.Workspace.FindingsPath(), hypothesis.NewLedger(res.Workspace.HypothesesPath(), nil), nil)
	_, err = b.Initialize("run-1")
	require.NoError(t, err)

	res, err = o.Resume(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, res.Ledger.Findings, 1)
	assert.Equal(t, iosEvidence, res.Ledger.Findings[0].Evidence)
	assert.Equal(t, "HIGH", res.Ledger.Findings[0].Confidence)
	assert.Equal(t, 0, res.Sessions)
	assert.Equal(t, findings.Summary{TotalHypotheses: 1, Confirmed: 1}, res.Ledger.Summary)
}

func TestResumeRebuildsLostFindingsLedger(t *testing.T) {
	root := t.TempDir()
	scripted := agent.ScriptedFunc(func(req agent.Request, _ int) agent.Attempt {
		if hypothesisOf(req) == "H2" {
			return agent.Attempt{Steps: []agent.StepEvent{conclusion("CONFIRMED", "HIGH", iosEvidence)}}
		}
		return ruledOut()
	})
	o := newOrchestrator(t, root, scripted)
	res, err := o.Run(context.Background(), "run-1", threeHypotheses())
	require.NoError(t, err)
	require.NoError(t, os.Remove(res.Workspace.FindingsPath()))

	res, err = o.Resume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sessions)
	assert.Equal(t, findings.Summary{TotalHypotheses: 3, Confirmed: 1, RuledOut: 2}, res.Ledger.Summary)
	require.Len(t, res.Ledger.Findings, 3)
	for _, f := range res.Ledger.Findings {
		assert.NotEqual(t, session.EvidenceCouldNotComplete, f.Evidence, "finding %s", f.FindingID)
		assert.NotEmpty(t, f.SessionLogRef)
	}
}

func TestResumeRecoversSeveralMissingFindings(t *testing.T) {
	root := t.TempDir()
	o := newOrchestrator(t, root, agent.NewScripted(ruledOut()))
	res, err := o.Run(context.Background(), "run-1", threeHypotheses()[:2])
	require.NoError(t, err)

	// Rewrite the ledger as a run stopped before either finding was appended.
	b := findings.NewBuilder(res.Workspace.FindingsPath(), nil, nil)
	_, err = b.Initialize("run-1")
	require.NoError(t, err)

	scripted := agent.NewScripted()
	res, err = newOrchestrator(t, root, scripted).Resume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, scripted.Calls())
	assert.Equal(t, findings.Summary{TotalHypotheses: 2, RuledOut: 2}, res.Ledger.Summary)
	assert.Len(t, res.Ledger.Findings, 2)
}

func TestResumeUnknownRun(t *testing.T) {
	_, err := newOrchestrator(t, t.TempDir(), agent.NewScripted()).Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFinishersRunAndFailuresAreContained(t *testing.T) {
	var seen []string
	cfg := session.DefaultConfig()
	o, err := New(Deps{
		Root:          t.TempDir(),
		Runner:        session.NewRunner(agent.NewScripted(ruledOut()), session.Options{}),
		SessionConfig: cfg,
		Finishers: []Finisher{
			FinisherFunc(func(_ context.Context, res *Result) error {
				seen = append(seen, "first:"+string(res.State))
				return errors.New("memory compile failed")
			}),
			FinisherFunc(func(_ context.Context, res *Result) error {
				seen = append(seen, fmt.Sprintf("second:%d", res.Ledger.Summary.RuledOut))
				return nil
			}),
		},
	})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), "run-1", threeHypotheses()[:1])
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"first:FINALIZING", "second:1"}, seen)
}

type brokenRunner struct{}

func (brokenRunner) Run(context.Context, hypothesis.Hypothesis, workspace.Paths, session.Config) (*session.Log, *session.Outcome, error) {
	return nil, nil, errors.New("sandbox unavailable")
}

type storageRunner struct{}

func (storageRunner) Run(context.Context, hypothesis.Hypothesis, workspace.Paths, session.Config) (*session.Log, *session.Outcome, error) {
	return nil, nil, fmt.Errorf("%w: disk full", session.ErrStorage)
}

func TestSessionErrors(t *testing.T) {
	o, err := New(Deps{Root: t.TempDir(), Runner: brokenRunner{}})
	require.NoError(t, err)
	res, err := o.Run(context.Background(), "run-1", threeHypotheses()[:1])
	require.NoError(t, err)
	assert.Equal(t, session.EvidenceCouldNotComplete, res.Ledger.Findings[0].Evidence)
	assert.Equal(t, "LOW", res.Ledger.Findings[0].Confidence)
	assert.Empty(t, res.Ledger.Findings[0].SessionLogRef)

	o, err = New(Deps{Root: t.TempDir(), Runner: storageRunner{}})
	require.NoError(t, err)
	res, err = o.Run(context.Background(), "run-1", threeHypotheses()[:1])
	assert.ErrorIs(t, err, session.ErrStorage)
	assert.Equal(t, StateFailed, res.State)
}

func TestStateTable(t *testing.T) {
	assert.NoError(t, validateTransition(StateInitializing, StateLooping))
	assert.NoError(t, validateTransition(StateFinalizing, StateFailed))
	assert.ErrorIs(t, validateTransition(StateInitializing, StateDone), ErrInvalidState)
	assert.ErrorIs(t, validateTransition(StateDone, StateFailed), ErrInvalidState)
	assert.ErrorIs(t, validateTransition(StateFailed, StateLooping), ErrInvalidState)
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateLooping.Terminal())
}
