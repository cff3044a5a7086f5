// Package db mirrors investigation runs into SQL for querying across runs.
// The JSON ledgers in the workspace stay the source of truth; the mirror is
// written as a side effect and a failed write never fails a run.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
)

// ErrNotFound is returned when a run does not exist in the mirror.
var ErrNotFound = errors.New("not found")

// ─── Records ─────────────────────────────────────────────────────────────────

// RunRecord is one investigation run.
type RunRecord struct {
	ID              string     `db:"id" json:"run_id"`
	State           string     `db:"state" json:"state"`
	TotalHypotheses int        `db:"total_hypotheses" json:"total_hypotheses"`
	Confirmed       int        `db:"confirmed" json:"confirmed"`
	RuledOut        int        `db:"ruled_out" json:"ruled_out"`
	Pending         int        `db:"pending" json:"pending"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	FinalizedAt     *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// HypothesisRecord is the latest known status of one hypothesis.
type HypothesisRecord struct {
	RunID     string    `db:"run_id" json:"run_id"`
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Priority  int       `db:"priority" json:"priority"`
	Status    string    `db:"status" json:"status"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SessionRecord is the summary of the latest session of a hypothesis.
type SessionRecord struct {
	RunID        string     `db:"run_id" json:"run_id"`
	HypothesisID string     `db:"hypothesis_id" json:"hypothesis_id"`
	Outcome      string     `db:"outcome" json:"outcome"`
	Turns        int        `db:"turns" json:"turns"`
	TotalTokens  int        `db:"total_tokens" json:"total_tokens"`
	CostUSD      float64    `db:"cost_usd" json:"cost_usd"`
	StartTime    time.Time  `db:"start_time" json:"start_time"`
	EndTime      *time.Time `db:"end_time" json:"end_time,omitempty"`
	SummaryPath  string     `db:"summary_path" json:"summary_path"`
}

// FindingRecord is one finding. KeyMetrics holds a JSON array.
type FindingRecord struct {
	RunID         string    `db:"run_id" json:"run_id"`
	FindingID     string    `db:"finding_id" json:"finding_id"`
	HypothesisID  string    `db:"hypothesis_id" json:"hypothesis_id"`
	Outcome       string    `db:"outcome" json:"outcome"`
	Confidence    string    `db:"confidence" json:"confidence"`
	Evidence      string    `db:"evidence" json:"evidence"`
	KeyMetrics    string    `db:"key_metrics" json:"-"`
	SessionLogRef string    `db:"session_log_ref" json:"session_log_ref"`
	CompletedAt   time.Time `db:"completed_at" json:"completed_at"`
}

// Metrics decodes KeyMetrics.
func (f *FindingRecord) Metrics() []string {
	var m []string
	if err := json.Unmarshal([]byte(f.KeyMetrics), &m); err != nil || m == nil {
		return []string{}
	}
	return m
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Config selects the database.
type Config struct {
	Type        string // sqlite | postgres
	SQLitePath  string
	PostgresURL string
}

// Store is the SQL mirror. It implements orchestrator.Recorder and
// orchestrator.Finisher.
type Store struct {
	db    *sqlx.DB
	clock func() time.Time
}

var (
	_ orchestrator.Recorder = (*Store)(nil)
	_ orchestrator.Finisher = (*Store)(nil)
)

// Open connects to the configured database and applies migrations.
func Open(cfg Config) (*Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return newStore(db)
}

// NewPostgresStore connects to PostgreSQL and runs pending migrations.
func NewPostgresStore(connectionString string) (*Store, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newStore(db)
}

func newStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// RecordState upserts the run row with its current state.
func (s *Store) RecordState(ctx context.Context, runID string, state orchestrator.State) error {
	now := s.now()
	err := s.exec(ctx, `
        INSERT INTO runs(id, state, created_at, updated_at)
        VALUES(?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            state      = excluded.state,
            updated_at = excluded.updated_at`,
		runID, string(state), now, now)
	if err != nil {
		return fmt.Errorf("record run state: %w", err)
	}
	return nil
}

// RecordHypotheses replaces the hypothesis rows of a run.
func (s *Store) RecordHypotheses(ctx context.Context, runID string, hs []hypothesis.Hypothesis) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM hypotheses WHERE run_id=?`), runID); err != nil {
		return fmt.Errorf("delete hypotheses: %w", err)
	}
	for _, h := range hs {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
            INSERT INTO hypotheses(run_id, id, title, priority, status, updated_at)
            VALUES(?,?,?,?,?,?)`),
			runID, h.ID, h.Title, h.Priority, string(h.Status), now)
		if err != nil {
			return fmt.Errorf("insert hypothesis %s: %w", h.ID, err)
		}
	}
	return tx.Commit()
}

// RecordStatus updates one hypothesis status.
func (s *Store) RecordStatus(ctx context.Context, runID, hypothesisID string, status hypothesis.Status) error {
	err := s.exec(ctx, `UPDATE hypotheses SET status=?, updated_at=? WHERE run_id=? AND id=?`,
		string(status), s.now(), runID, hypothesisID)
	if err != nil {
		return fmt.Errorf("record hypothesis status: %w", err)
	}
	return nil
}

// RecordSession upserts the session summary of a hypothesis.
func (s *Store) RecordSession(ctx context.Context, runID string, log *session.Log) error {
	err := s.exec(ctx, `
        INSERT INTO sessions(run_id, hypothesis_id, outcome, turns, total_tokens, cost_usd, start_time, end_time, summary_path)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(run_id, hypothesis_id) DO UPDATE SET
            outcome      = excluded.outcome,
            turns        = excluded.turns,
            total_tokens = excluded.total_tokens,
            cost_usd     = excluded.cost_usd,
            start_time   = excluded.start_time,
            end_time     = excluded.end_time,
            summary_path = excluded.summary_path`,
		runID, log.HypothesisID, string(log.Outcome), log.Turns, log.TotalTokens, log.CostUSD,
		log.StartTime.UTC(), utcPtr(log.EndTime), log.SummaryPath)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordFinding upserts a finding.
func (s *Store) RecordFinding(ctx context.Context, runID string, f findings.Finding) error {
	metrics, err := json.Marshal(nonNil(f.KeyMetrics))
	if err != nil {
		return fmt.Errorf("encode key metrics: %w", err)
	}
	err = s.exec(ctx, `
        INSERT INTO findings(run_id, finding_id, hypothesis_id, outcome, confidence, evidence, key_metrics, session_log_ref, completed_at)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(run_id, finding_id) DO UPDATE SET
            outcome         = excluded.outcome,
            confidence      = excluded.confidence,
            evidence        = excluded.evidence,
            key_metrics     = excluded.key_metrics,
            session_log_ref = excluded.session_log_ref,
            completed_at    = excluded.completed_at`,
		runID, f.FindingID, f.HypothesisID, string(f.Outcome), f.Confidence, f.Evidence,
		string(metrics), f.SessionLogRef, f.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("record finding: %w", err)
	}
	return nil
}

// Finish copies the finalized ledger summary onto the run row.
func (s *Store) Finish(ctx context.Context, res *orchestrator.Result) error {
	if res.Ledger == nil {
		return nil
	}
	sum := res.Ledger.Summary
	err := s.exec(ctx, `
        UPDATE runs SET total_hypotheses=?, confirmed=?, ruled_out=?, pending=?, finalized_at=?, updated_at=?
        WHERE id=?`,
		sum.TotalHypotheses, sum.Confirmed, sum.RuledOut, sum.Pending,
		utcPtr(res.Ledger.FinalizedAt), s.now(), res.RunID)
	if err != nil {
		return fmt.Errorf("record run summary: %w", err)
	}
	return nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	runs := []RunRecord{}
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(`
        SELECT id, state, total_hypotheses, confirmed, ruled_out, pending, created_at, updated_at, finalized_at
        FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var r RunRecord
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
        SELECT id, state, total_hypotheses, confirmed, ruled_out, pending, created_at, updated_at, finalized_at
        FROM runs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

// ListHypotheses returns the hypotheses of a run in priority order.
func (s *Store) ListHypotheses(ctx context.Context, runID string) ([]HypothesisRecord, error) {
	hs := []HypothesisRecord{}
	err := s.db.SelectContext(ctx, &hs, s.db.Rebind(`
        SELECT run_id, id, title, priority, status, updated_at
        FROM hypotheses WHERE run_id=? ORDER BY priority ASC, id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list hypotheses: %w", err)
	}
	return hs, nil
}

// ListSessions returns the session summaries of a run.
func (s *Store) ListSessions(ctx context.Context, runID string) ([]SessionRecord, error) {
	ss := []SessionRecord{}
	err := s.db.SelectContext(ctx, &ss, s.db.Rebind(`
        SELECT run_id, hypothesis_id, outcome, turns, total_tokens, cost_usd, start_time, end_time, summary_path
        FROM sessions WHERE run_id=? ORDER BY start_time ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ss, nil
}

// ListFindings returns the findings of a run in completion order.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]FindingRecord, error) {
	fs := []FindingRecord{}
	err := s.db.SelectContext(ctx, &fs, s.db.Rebind(`
        SELECT run_id, finding_id, hypothesis_id, outcome, confidence, evidence, key_metrics, session_log_ref, completed_at
        FROM findings WHERE run_id=? ORDER BY completed_at ASC, finding_id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return fs, nil
}

// RunCost sums session token usage and cost of a run.
func (s *Store) RunCost(ctx context.Context, runID string) (tokens int, costUSD float64, err error) {
	var row struct {
		Tokens int     `db:"tokens"`
		Cost   float64 `db:"cost"`
	}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
        SELECT COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost_usd), 0) AS cost
        FROM sessions WHERE run_id=?`), runID)
	if err != nil {
		return 0, 0, fmt.Errorf("sum run cost: %w", err)
	}
	return row.Tokens, row.Cost, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
