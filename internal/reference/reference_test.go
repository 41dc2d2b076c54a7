package reference

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/space"
)

func writeMask(t *testing.T, dir string, labels ...float32) string {
	t.Helper()
	v := nifti.NewVolume(len(labels), 1, 1, [3]float64{1, 1, 1})
	copy(v.Data, labels)
	path := filepath.Join(dir, "mask.nii.gz")
	if err := nifti.Write(path, v); err != nil {
		t.Fatalf("write mask: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.nii")
	if err := os.WriteFile(tmpl, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mask := writeMask(t, dir, 0, 1, 2)

	b, err := Load(tmpl, mask)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.TemplateCitation == "" || !strings.Contains(b.TemplateCitation, "doi:") {
		t.Errorf("template citation = %q", b.TemplateCitation)
	}
	if b.MaskCitation == "" || !strings.Contains(b.MaskCitation, "doi:") {
		t.Errorf("mask citation = %q", b.MaskCitation)
	}
}

func TestLoadMissingAsset(t *testing.T) {
	dir := t.TempDir()
	mask := writeMask(t, dir, 1)
	if _, err := Load(filepath.Join(dir, "absent.nii"), mask); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.nii")
	if err := os.WriteFile(tmpl, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	good, err := Load(tmpl, writeMask(t, dir, 0, 1, 2, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := good.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	badDir := t.TempDir()
	bad, err := Load(tmpl, writeMask(t, badDir, 0, 1, 3))
	if err != nil {
		t.Fatal(err)
	}
	if err := bad.Verify(); err == nil {
		t.Fatal("expected error for unknown hemisphere label")
	}
}

func TestArtifactsTaggedReference(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.nii")
	if err := os.WriteFile(tmpl, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Load(tmpl, writeMask(t, dir, 1))
	if err != nil {
		t.Fatal(err)
	}

	if a := b.TemplateArtifact(); a.Space != space.Reference || a.Role != RoleTemplate {
		t.Errorf("template artifact = %+v", a)
	}
	if a := b.MaskArtifact(); a.Space != space.Reference || a.Role != RoleMask {
		t.Errorf("mask artifact = %+v", a)
	}
}
