package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), v)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpenRejectsUnknownType(t *testing.T) {
	if _, err := Open(Config{Type: "mysql"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordState(ctx, "run-1", orchestrator.StateInitializing); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	hs := []hypothesis.Hypothesis{
		{ID: "H1", Title: "Seasonal dip", Priority: 2, Status: hypothesis.StatusPending},
		{ID: "H2", Title: "iOS release broke login", Priority: 1, Status: hypothesis.StatusPending},
	}
	if err := s.RecordHypotheses(ctx, "run-1", hs); err != nil {
		t.Fatalf("RecordHypotheses: %v", err)
	}
	if err := s.RecordStatus(ctx, "run-1", "H2", hypothesis.StatusConfirmed); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.RecordState(ctx, "run-1", orchestrator.StateLooping); err != nil {
		t.Fatalf("RecordState: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != "LOOPING" {
		t.Errorf("expected LOOPING, got %s", run.State)
	}

	got, err := s.ListHypotheses(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListHypotheses: %v", err)
	}
	if len(got) != 2 || got[0].ID != "H2" || got[0].Status != "CONFIRMED" {
		t.Errorf("unexpected hypotheses %+v", got)
	}

	end := time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)
	log := &session.Log{
		HypothesisID: "H2",
		StartTime:    end.Add(-5 * time.Minute),
		EndTime:      &end,
		Outcome:      hypothesis.StatusConfirmed,
		Turns:        4,
		TotalTokens:  1200,
		CostUSD:      0.25,
		SummaryPath:  "/tmp/run-1/analysis/logs/session_H2_20240301T090000.json",
	}
	if err := s.RecordSession(ctx, "run-1", log); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	log.Turns = 5
	if err := s.RecordSession(ctx, "run-1", log); err != nil {
		t.Fatalf("RecordSession upsert: %v", err)
	}
	sessions, err := s.ListSessions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Turns != 5 || sessions[0].EndTime == nil {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	f := findings.Finding{
		FindingID:    "FH2",
		HypothesisID: "H2",
		Outcome:      hypothesis.StatusConfirmed,
		Confidence:   "HIGH",
		Evidence:     "iOS DAU dropped 15.6% while Android +0.2%",
		KeyMetrics:   []string{"iOS DAU -15.6%"},
		CompletedAt:  end,
	}
	if err := s.RecordFinding(ctx, "run-1", f); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}
	fs, err := s.ListFindings(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(fs) != 1 || fs[0].Evidence != f.Evidence {
		t.Fatalf("unexpected findings %+v", fs)
	}
	if m := fs[0].Metrics(); len(m) != 1 || m[0] != "iOS DAU -15.6%" {
		t.Errorf("unexpected key metrics %v", m)
	}
	if !fs[0].CompletedAt.Equal(end) {
		t.Errorf("completed_at = %v, want %v", fs[0].CompletedAt, end)
	}

	tokens, cost, err := s.RunCost(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunCost: %v", err)
	}
	if tokens != 1200 || cost != 0.25 {
		t.Errorf("unexpected cost %d %f", tokens, cost)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	runs, err := s.ListRuns(context.Background(), 0, 0)
	if err != nil || len(runs) != 0 {
		t.Errorf("expected no runs, got %v %v", runs, err)
	}
}

func TestMirrorsOrchestratorRun(t *testing.T) {
	s := newTestStore(t)
	scripted := agent.NewScripted(agent.Attempt{Steps: []agent.StepEvent{{
		Action:   "respond",
		LogEntry: "CONCLUSION\nOUTCOME: CONFIRMED\nCONFIDENCE: HIGH\nEVIDENCE: iOS DAU dropped 15.6%",
		Usage:    agent.Usage{TotalTokens: 100, CostUSD: 0.01},
	}}})
	o, err := orchestrator.New(orchestrator.Deps{
		Root:      t.TempDir(),
		Runner:    session.NewRunner(scripted, session.Options{}),
		Recorders: []orchestrator.Recorder{s},
		Finishers: []orchestrator.Finisher{s},
	})
	if err != nil {
		t.Fatal(err)
	}
	hs := []hypothesis.Hypothesis{
		{ID: "H1", Title: "iOS release broke login", Priority: 1},
		{ID: "H2", Title: "Campaign ended", Priority: 2},
	}
	if _, err := o.Run(context.Background(), "run-1", hs); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != "DONE" || run.Confirmed != 2 || run.TotalHypotheses != 2 || run.FinalizedAt == nil {
		t.Errorf("unexpected run %+v", run)
	}

	got, _ := s.ListHypotheses(ctx, "run-1")
	for _, h := range got {
		if h.Status != "CONFIRMED" {
			t.Errorf("hypothesis %s status %s", h.ID, h.Status)
		}
	}
	fs, _ := s.ListFindings(ctx, "run-1")
	if len(fs) != 2 {
		t.Errorf("expected 2 findings, got %d", len(fs))
	}
	tokens, _, _ := s.RunCost(ctx, "run-1")
	if tokens != 200 {
		t.Errorf("expected 200 tokens, got %d", tokens)
	}

	runs, err := s.ListRuns(ctx, 10, 0)
	if err != nil || len(runs) != 1 {
		t.Errorf("expected one run, got %v %v", runs, err)
	}
}
