// Package manifest provides the SQLite-backed record of runs, artifacts,
// and reports. A crashed or aborted run leaves its rows behind so it can be
// inspected post mortem or resumed.
package manifest

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calveira/cpspflow/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	state       TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	retries     INTEGER NOT NULL DEFAULT 0,
	config      TEXT NOT NULL DEFAULT '{}',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(subject_id);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);

CREATE TABLE IF NOT EXISTS artifacts (
	run_id     TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	path       TEXT NOT NULL,
	space      TEXT NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE(run_id, subject_id, role)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS reports (
	run_id       TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS failures (
	run_id       TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	failed_stage TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	log_excerpt  TEXT NOT NULL DEFAULT '',
	failed_at    DATETIME NOT NULL
);
`

// DB wraps a sql.DB with manifest-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Store defines the manifest operations the rest of the system depends on.
// Consumers should take this interface rather than the concrete *DB so
// tests can substitute fakes.
type Store interface {
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns(state string, limit int) ([]models.Run, error)
	RecordArtifact(a models.Artifact) error
	Artifacts(runID string) ([]models.Artifact, error)
	SaveReport(rep models.OverlapReport) error
	GetReport(runID string) (models.OverlapReport, error)
	SaveFailure(f models.FailureRecord) error
	GetFailure(runID string) (models.FailureRecord, error)
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
