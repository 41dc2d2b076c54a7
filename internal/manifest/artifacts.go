package manifest

import (
	"fmt"

	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/space"
)

// RecordArtifact upserts one artifact row. Reruns with overwrite replace
// the previous row for the same (run, subject, role) triple.
func (db *DB) RecordArtifact(a models.Artifact) error {
	_, err := db.conn.Exec(`
		INSERT INTO artifacts (run_id, subject_id, stage, role, path, space, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subject_id, role) DO UPDATE SET
			stage      = excluded.stage,
			path       = excluded.path,
			space      = excluded.space,
			checksum   = excluded.checksum,
			created_at = excluded.created_at
	`, a.RunID, a.SubjectID, a.Stage, a.Role, a.Path, string(a.Space), a.Checksum, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("manifest: record artifact %s/%s: %w", a.SubjectID, a.Role, err)
	}
	return nil
}

// Artifacts returns every artifact recorded for a run, oldest first.
func (db *DB) Artifacts(runID string) ([]models.Artifact, error) {
	rows, err := db.conn.Query(`
		SELECT run_id, subject_id, stage, role, path, space, checksum, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, role
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("manifest: artifacts for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var sp string
		if err := rows.Scan(&a.RunID, &a.SubjectID, &a.Stage, &a.Role, &a.Path, &sp, &a.Checksum, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("manifest: artifacts for %s: %w", runID, err)
		}
		a.Space = space.Space(sp)
		out = append(out, a)
	}
	return out, rows.Err()
}
