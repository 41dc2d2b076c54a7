package manifest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
)

// SaveRun inserts or replaces the run row. Called on every state
// transition, so the stored row always reflects the scheduler's view.
func (db *DB) SaveRun(r models.Run) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("manifest: marshal run config: %w", err)
	}

	var finished sql.NullTime
	if r.FinishedAt != nil {
		finished = sql.NullTime{Time: *r.FinishedAt, Valid: true}
	}

	_, err = db.conn.Exec(`
		INSERT INTO runs (id, subject_id, state, stage, error_kind, error, retries, config, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state       = excluded.state,
			stage       = excluded.stage,
			error_kind  = excluded.error_kind,
			error       = excluded.error,
			retries     = excluded.retries,
			finished_at = excluded.finished_at
	`, r.ID, r.SubjectID, string(r.State), r.Stage, r.ErrorKind, r.Error, r.Retries, string(cfg), r.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("manifest: save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run with the given id.
func (db *DB) GetRun(id string) (models.Run, error) {
	row := db.conn.QueryRow(`
		SELECT id, subject_id, state, stage, error_kind, error, retries, config, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("manifest: run %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("manifest: get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs newest first, optionally filtered by state.
func (db *DB) ListRuns(state string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, subject_id, state, stage, error_kind, error, retries, config, started_at, finished_at
		FROM runs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: list runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (models.Run, error) {
	var r models.Run
	var state, cfg string
	var finished sql.NullTime
	if err := s.Scan(&r.ID, &r.SubjectID, &state, &r.Stage, &r.ErrorKind, &r.Error, &r.Retries, &cfg, &r.StartedAt, &finished); err != nil {
		return models.Run{}, err
	}
	r.State = models.RunState(state)
	if cfg != "" && cfg != "{}" {
		if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
