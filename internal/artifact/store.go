// Package artifact owns the per-run working directory: committed
// intermediate files, their coordinate-space tags, and the insertion-order
// audit trail. Stages receive read-only artifact records; every
// transformation registers a new one.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/checksum"
	"github.com/calveira/cpspflow/internal/models"
)

// Subdirectories and well-known files inside a run's output directory.
// The names follow the layout downstream tooling already expects.
const (
	DirConverted    = "converted"
	DirExtract      = "hd_bet_results"
	DirRegister     = "within_subject_reg"
	DirSubjectSpace = "subject_space_results"
	DirReference    = "mni_results"
	DirSegOutput    = "results" // created inside DirSubjectSpace by the segmentation service
	DirLogs         = "logs"
	FileLesion      = "lesion_msk.nii.gz"
	FileRunLog      = "pipeline.log"
)

// Recorder persists artifact rows for crash inspection and resume.
type Recorder interface {
	RecordArtifact(a models.Artifact) error
}

type key struct {
	subject string
	role    string
}

// Store manages one output root. Safe for concurrent use by parallel
// sub-stages of the same run.
type Store struct {
	root string
	rec  Recorder

	mu    sync.Mutex
	byKey map[key]models.Artifact
	order []key
}

// NewStore creates (if needed) the output root and an empty registry over
// it. rec may be nil when no manifest persistence is wanted, as in tests.
func NewStore(root string, rec Recorder) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &Store{
		root:  abs,
		rec:   rec,
		byKey: make(map[key]models.Artifact),
	}, nil
}

// Root returns the absolute output root.
func (s *Store) Root() string { return s.root }

// Path resolves path elements against the root and rejects any result that
// escapes it (directory traversal).
func (s *Store) Path(parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if rel == "" || rel == "." {
		return s.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("artifact: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(s.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("artifact: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) && abs != s.root {
		return "", fmt.Errorf("artifact: path escapes output root: %s", rel)
	}
	return abs, nil
}

// Register commits a as the artifact for its (subject, role) pair. The file
// must already exist on disk; its checksum is computed here so the record
// always describes the committed bytes. A second commit for the same pair
// fails with ErrDuplicateRole unless overwrite is set.
func (s *Store) Register(a models.Artifact, overwrite bool) (models.Artifact, error) {
	if a.SubjectID == "" || a.Role == "" {
		return models.Artifact{}, fmt.Errorf("artifact: register: subject and role are required")
	}
	if _, err := os.Stat(a.Path); err != nil {
		return models.Artifact{}, fmt.Errorf("artifact: register %s/%s: %w", a.SubjectID, a.Role, err)
	}
	sum, err := checksum.File(a.Path)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("artifact: register %s/%s: %w", a.SubjectID, a.Role, err)
	}
	a.Checksum = sum
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	k := key{subject: a.SubjectID, role: a.Role}

	s.mu.Lock()
	if _, exists := s.byKey[k]; exists && !overwrite {
		s.mu.Unlock()
		return models.Artifact{}, fmt.Errorf("artifact: %w: %s/%s", apperr.ErrDuplicateRole, a.SubjectID, a.Role)
	}
	if _, exists := s.byKey[k]; !exists {
		s.order = append(s.order, k)
	}
	s.byKey[k] = a
	s.mu.Unlock()

	if s.rec != nil {
		if err := s.rec.RecordArtifact(a); err != nil {
			return models.Artifact{}, fmt.Errorf("artifact: record %s/%s: %w", a.SubjectID, a.Role, err)
		}
	}
	return a, nil
}

// Lookup returns the committed artifact for a (subject, role) pair.
func (s *Store) Lookup(subjectID, role string) (models.Artifact, error) {
	s.mu.Lock()
	a, ok := s.byKey[key{subject: subjectID, role: role}]
	s.mu.Unlock()
	if !ok {
		return models.Artifact{}, fmt.Errorf("artifact: %s/%s: %w", subjectID, role, apperr.ErrNotFound)
	}
	return a, nil
}

// Require returns all named roles for a subject, or ErrInputMissing listing
// every absent role. Schedulers call this before advancing a stage.
func (s *Store) Require(subjectID string, roles ...string) (map[string]models.Artifact, error) {
	out := make(map[string]models.Artifact, len(roles))
	var missing []string

	s.mu.Lock()
	for _, role := range roles {
		a, ok := s.byKey[key{subject: subjectID, role: role}]
		if !ok {
			missing = append(missing, role)
			continue
		}
		out[role] = a
	}
	s.mu.Unlock()

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("artifact: %w for %s: %s", apperr.ErrInputMissing, subjectID, strings.Join(missing, ", "))
	}
	return out, nil
}

// List returns every artifact committed for a subject in insertion order.
func (s *Store) List(subjectID string) []models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Artifact
	for _, k := range s.order {
		if k.subject == subjectID {
			out = append(out, s.byKey[k])
		}
	}
	return out
}

// CommitFile atomically writes content under the root: tmp file, fsync,
// rename. Downstream stages never observe a partially written file.
func (s *Store) CommitFile(rel string, content []byte) (string, error) {
	abs, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cpspflow-tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("artifact: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("artifact: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("artifact: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("artifact: rename: %w", err)
	}
	success = true
	return abs, nil
}

// Promote atomically renames a file produced outside the registry (for
// example by an external container) to its committed location under root.
func (s *Store) Promote(srcAbs string, destRel string) (string, error) {
	dest, err := s.Path(destRel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir: %w", err)
	}
	if err := os.Rename(srcAbs, dest); err != nil {
		return "", fmt.Errorf("artifact: promote %s: %w", filepath.Base(srcAbs), err)
	}
	return dest, nil
}

// Housekeeping finalizes the output tree after a run: the segmentation
// service's scratch directory is removed, and unless saveIntermediate is
// set the conversion, extraction, and within-subject registration folders
// go with it. Committed final artifacts are never touched.
func (s *Store) Housekeeping(saveIntermediate bool) error {
	segDir, err := s.Path(DirSubjectSpace, DirSegOutput)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(segDir); err != nil {
		return fmt.Errorf("artifact: remove segmentation scratch: %w", err)
	}
	if saveIntermediate {
		return nil
	}
	for _, dir := range []string{DirConverted, DirExtract, DirRegister} {
		abs, err := s.Path(dir)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("artifact: remove %s: %w", dir, err)
		}
	}
	return nil
}
