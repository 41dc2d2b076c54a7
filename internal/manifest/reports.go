package manifest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
)

// SaveReport stores the final overlap report for a completed run. Reports
// are written once; a second write for the same run replaces the row, which
// only happens on an overwrite rerun.
func (db *DB) SaveReport(rep models.OverlapReport) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("manifest: marshal report: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO reports (run_id, subject_id, payload, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload      = excluded.payload,
			generated_at = excluded.generated_at
	`, rep.RunID, rep.SubjectID, string(payload), rep.GeneratedAt)
	if err != nil {
		return fmt.Errorf("manifest: save report %s: %w", rep.RunID, err)
	}
	return nil
}

// GetReport returns the overlap report for a run.
func (db *DB) GetReport(runID string) (models.OverlapReport, error) {
	var payload string
	err := db.conn.QueryRow(`SELECT payload FROM reports WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OverlapReport{}, fmt.Errorf("manifest: report %s: %w", runID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.OverlapReport{}, fmt.Errorf("manifest: get report %s: %w", runID, err)
	}
	var rep models.OverlapReport
	if err := json.Unmarshal([]byte(payload), &rep); err != nil {
		return models.OverlapReport{}, fmt.Errorf("manifest: unmarshal report %s: %w", runID, err)
	}
	return rep, nil
}

// SaveFailure stores the failure record that stands in for a report when a
// run ends in the failed state.
func (db *DB) SaveFailure(f models.FailureRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO failures (run_id, subject_id, failed_stage, error_kind, log_excerpt, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			failed_stage = excluded.failed_stage,
			error_kind   = excluded.error_kind,
			log_excerpt  = excluded.log_excerpt,
			failed_at    = excluded.failed_at
	`, f.RunID, f.SubjectID, f.FailedStage, f.ErrorKind, f.LogExcerpt, f.FailedAt)
	if err != nil {
		return fmt.Errorf("manifest: save failure %s: %w", f.RunID, err)
	}
	return nil
}

// GetFailure returns the failure record for a run.
func (db *DB) GetFailure(runID string) (models.FailureRecord, error) {
	var f models.FailureRecord
	err := db.conn.QueryRow(`
		SELECT run_id, subject_id, failed_stage, error_kind, log_excerpt, failed_at
		FROM failures WHERE run_id = ?
	`, runID).Scan(&f.RunID, &f.SubjectID, &f.FailedStage, &f.ErrorKind, &f.LogExcerpt, &f.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FailureRecord{}, fmt.Errorf("manifest: failure %s: %w", runID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.FailureRecord{}, fmt.Errorf("manifest: get failure %s: %w", runID, err)
	}
	return f, nil
}
