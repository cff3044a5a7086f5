package db

import "fmt"

// migrations are written in the SQL subset shared by SQLite and PostgreSQL.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    state             TEXT NOT NULL,
    total_hypotheses  INTEGER NOT NULL DEFAULT 0,
    confirmed         INTEGER NOT NULL DEFAULT 0,
    ruled_out         INTEGER NOT NULL DEFAULT 0,
    pending           INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL,
    finalized_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS hypotheses (
    run_id      TEXT NOT NULL,
    id          TEXT NOT NULL,
    title       TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    updated_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, id)
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
    run_id         TEXT NOT NULL,
    hypothesis_id  TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    turns          INTEGER NOT NULL DEFAULT 0,
    total_tokens   INTEGER NOT NULL DEFAULT 0,
    cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
    start_time     TIMESTAMP NOT NULL,
    end_time       TIMESTAMP,
    summary_path   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, hypothesis_id)
);

CREATE TABLE IF NOT EXISTS findings (
    run_id           TEXT NOT NULL,
    finding_id       TEXT NOT NULL,
    hypothesis_id    TEXT NOT NULL,
    outcome          TEXT NOT NULL,
    confidence       TEXT NOT NULL DEFAULT '',
    evidence         TEXT NOT NULL DEFAULT '',
    key_metrics      TEXT NOT NULL DEFAULT '[]',
    session_log_ref  TEXT NOT NULL DEFAULT '',
    completed_at     TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, finding_id)
);
CREATE INDEX IF NOT EXISTS idx_findings_outcome ON findings(outcome);
`,
	},
}

// migrate applies any unapplied migrations in order.
func (s *Store) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.Get(&v, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
