package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/space"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func commitAndRegister(t *testing.T, s *Store, subject, role, rel string) models.Artifact {
	t.Helper()
	abs, err := s.CommitFile(rel, []byte(role+" bytes"))
	if err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	a, err := s.Register(models.Artifact{
		SubjectID: subject,
		Stage:     "convert",
		Role:      role,
		Path:      abs,
		Space:     space.Native,
	}, false)
	if err != nil {
		t.Fatalf("Register %s: %v", role, err)
	}
	return a
}

func TestRegisterAndLookup(t *testing.T) {
	s := tempStore(t)
	want := commitAndRegister(t, s, "sub-01", "dwi_b0", "dwi_b0.nii.gz")

	if want.Checksum == "" {
		t.Fatal("Register did not compute a checksum")
	}
	if want.CreatedAt.IsZero() {
		t.Fatal("Register did not stamp CreatedAt")
	}

	got, err := s.Lookup("sub-01", "dwi_b0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Path != want.Path || got.Checksum != want.Checksum {
		t.Fatalf("Lookup = %+v, want %+v", got, want)
	}
}

func TestLookupNotFound(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Lookup("sub-01", "flair"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterDuplicateRole(t *testing.T) {
	s := tempStore(t)
	first := commitAndRegister(t, s, "sub-01", "adc", "adc.nii.gz")

	_, err := s.Register(models.Artifact{
		SubjectID: "sub-01",
		Role:      "adc",
		Path:      first.Path,
		Space:     space.Native,
	}, false)
	if !errors.Is(err, apperr.ErrDuplicateRole) {
		t.Fatalf("err = %v, want ErrDuplicateRole", err)
	}

	// The overwrite flag is the rerun escape hatch.
	if _, err := s.Register(models.Artifact{
		SubjectID: "sub-01",
		Role:      "adc",
		Path:      first.Path,
		Space:     space.WithinSubject,
	}, true); err != nil {
		t.Fatalf("Register with overwrite: %v", err)
	}
	got, _ := s.Lookup("sub-01", "adc")
	if got.Space != space.WithinSubject {
		t.Fatalf("overwrite did not replace record, space = %q", got.Space)
	}
}

func TestRegisterMissingFile(t *testing.T) {
	s := tempStore(t)
	_, err := s.Register(models.Artifact{
		SubjectID: "sub-01",
		Role:      "flair",
		Path:      filepath.Join(s.Root(), "nope.nii.gz"),
		Space:     space.Native,
	}, false)
	if err == nil {
		t.Fatal("expected error registering a file that does not exist")
	}
}

func TestListInsertionOrder(t *testing.T) {
	s := tempStore(t)
	for _, role := range []string{"dwi_b1000", "dwi_b0", "adc"} {
		commitAndRegister(t, s, "sub-01", role, role+".nii.gz")
	}
	commitAndRegister(t, s, "sub-02", "flair", "flair.nii.gz")

	got := s.List("sub-01")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"dwi_b1000", "dwi_b0", "adc"} {
		if got[i].Role != want {
			t.Fatalf("List[%d].Role = %q, want %q", i, got[i].Role, want)
		}
	}
}

func TestRequire(t *testing.T) {
	s := tempStore(t)
	commitAndRegister(t, s, "sub-01", "dwi_b0", "dwi_b0.nii.gz")
	commitAndRegister(t, s, "sub-01", "adc", "adc.nii.gz")

	arts, err := s.Require("sub-01", "dwi_b0", "adc")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("len = %d, want 2", len(arts))
	}

	_, err = s.Require("sub-01", "dwi_b0", "flair", "dwi_b1000")
	if !errors.Is(err, apperr.ErrInputMissing) {
		t.Fatalf("err = %v, want ErrInputMissing", err)
	}
	for _, role := range []string{"flair", "dwi_b1000"} {
		if !strings.Contains(err.Error(), role) {
			t.Fatalf("error %q does not name missing role %s", err, role)
		}
	}
}

func TestPathTraversalBlocked(t *testing.T) {
	s := tempStore(t)
	cases := []string{
		"../../etc/passwd",
		"../outside.nii.gz",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Path(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if _, err := s.CommitFile(p, []byte("x")); err == nil {
			t.Errorf("expected error for commit to %q", p)
		}
	}
}

func TestCommitFileAtomic(t *testing.T) {
	s := tempStore(t)
	if _, err := s.CommitFile("sub/deep/file.txt", []byte("v1")); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	abs, err := s.CommitFile("sub/deep/file.txt", []byte("v2"))
	if err != nil {
		t.Fatalf("CommitFile overwrite: %v", err)
	}
	got, _ := os.ReadFile(abs)
	if string(got) != "v2" {
		t.Fatalf("content = %q, want v2", got)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(abs), ".cpspflow-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestPromote(t *testing.T) {
	s := tempStore(t)
	scratch := filepath.Join(s.Root(), DirSubjectSpace, DirSegOutput)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(scratch, FileLesion)
	if err := os.WriteFile(src, []byte("mask"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest, err := s.Promote(src, filepath.Join(DirSubjectSpace, FileLesion))
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source still present after promote")
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "mask" {
		t.Fatalf("content = %q", got)
	}
}

func TestHousekeeping(t *testing.T) {
	s := tempStore(t)
	for _, rel := range []string{
		filepath.Join(DirConverted, "dwi_b0.nii.gz"),
		filepath.Join(DirExtract, "mask.nii.gz"),
		filepath.Join(DirRegister, "warp.mat"),
		filepath.Join(DirSubjectSpace, DirSegOutput, "scratch.bin"),
		filepath.Join(DirSubjectSpace, FileLesion),
		filepath.Join(DirReference, "lesion_MNI.nii.gz"),
	} {
		if _, err := s.CommitFile(rel, []byte("x")); err != nil {
			t.Fatalf("CommitFile %s: %v", rel, err)
		}
	}

	if err := s.Housekeeping(false); err != nil {
		t.Fatalf("Housekeeping: %v", err)
	}

	for _, gone := range []string{DirConverted, DirExtract, DirRegister, filepath.Join(DirSubjectSpace, DirSegOutput)} {
		abs, _ := s.Path(gone)
		if _, err := os.Stat(abs); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, kept := range []string{
		filepath.Join(DirSubjectSpace, FileLesion),
		filepath.Join(DirReference, "lesion_MNI.nii.gz"),
	} {
		abs, _ := s.Path(kept)
		if _, err := os.Stat(abs); err != nil {
			t.Errorf("%s should have survived: %v", kept, err)
		}
	}
}

func TestHousekeepingKeepsIntermediates(t *testing.T) {
	s := tempStore(t)
	rel := filepath.Join(DirExtract, "mask.nii.gz")
	if _, err := s.CommitFile(rel, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Housekeeping(true); err != nil {
		t.Fatalf("Housekeeping: %v", err)
	}
	abs, _ := s.Path(rel)
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("intermediate should have been kept: %v", err)
	}
}

type captureRecorder struct {
	rows []models.Artifact
}

func (c *captureRecorder) RecordArtifact(a models.Artifact) error {
	c.rows = append(c.rows, a)
	return nil
}

func TestRegisterRecordsManifestRow(t *testing.T) {
	rec := &captureRecorder{}
	s, err := NewStore(t.TempDir(), rec)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	abs, _ := s.CommitFile("flair.nii.gz", []byte("f"))
	if _, err := s.Register(models.Artifact{SubjectID: "sub-01", Role: "flair", Path: abs, Space: space.Native}, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(rec.rows) != 1 || rec.rows[0].Role != "flair" {
		t.Fatalf("recorded rows = %+v", rec.rows)
	}
}
