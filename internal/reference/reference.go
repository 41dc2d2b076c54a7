// Package reference resolves the fixed standard-space assets every run
// compares against: the anatomical template and the hemisphere-labeled
// symptom mask. Both are versioned by citation and treated as read-only;
// no run ever writes into the bundle.
package reference

import (
	"fmt"
	"os"

	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/overlap"
	"github.com/calveira/cpspflow/internal/space"
)

// Bundled asset locations inside the orchestrator image.
const (
	DefaultTemplatePath = "/app/data/mni_icbm_avg_152_t1/icbm_avg_152_t1_tal_nlin_symmetric_VI_brain.nii"
	DefaultMaskPath     = "/app/data/lesion_symptom_mask/results_mask_mirrored_resampled.nii.gz"
)

// Asset provenance, surfaced in reports and the API.
const (
	TemplateCitation = "MNI ICBM average 152 T1 symmetric VI (Mazziotta et al. 2001, doi:10.1098/rstb.2001.0915)"
	MaskCitation     = "CPSP lesion-symptom mask, mirrored and resampled to the template grid (Sprenger et al. 2012, doi:10.1093/brain/aws153)"
)

// Roles the bundle contributes to every run.
const (
	RoleTemplate = "mni_template"
	RoleMask     = "symptom_mask"
)

// Bundle is the resolved pair of reference assets.
type Bundle struct {
	TemplatePath     string `json:"template_path"`
	MaskPath         string `json:"mask_path"`
	TemplateCitation string `json:"template_citation"`
	MaskCitation     string `json:"mask_citation"`
}

// Load resolves the bundle, falling back to the baked-in locations, and
// fails if either file is absent. This runs once at startup so a missing
// installation is caught before any subject work begins.
func Load(templatePath, maskPath string) (*Bundle, error) {
	if templatePath == "" {
		templatePath = DefaultTemplatePath
	}
	if maskPath == "" {
		maskPath = DefaultMaskPath
	}
	for _, p := range []string{templatePath, maskPath} {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("reference: %s is a directory, want a volume file", p)
		}
	}
	return &Bundle{
		TemplatePath:     templatePath,
		MaskPath:         maskPath,
		TemplateCitation: TemplateCitation,
		MaskCitation:     MaskCitation,
	}, nil
}

// Verify reads the symptom mask and checks it only carries the hemisphere
// labels the analyzer understands. Called once per batch, not per run.
func (b *Bundle) Verify() error {
	mask, err := nifti.Read(b.MaskPath)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	for _, v := range mask.Data {
		if v != 0 && v != overlap.LabelLeft && v != overlap.LabelRight {
			return fmt.Errorf("reference: mask %s carries label %v, want only {0, %d, %d}",
				b.MaskPath, v, overlap.LabelLeft, overlap.LabelRight)
		}
	}
	return nil
}

// TemplateArtifact returns the template as a standard-reference artifact.
func (b *Bundle) TemplateArtifact() models.Artifact {
	return models.Artifact{Role: RoleTemplate, Path: b.TemplatePath, Space: space.Reference}
}

// MaskArtifact returns the symptom mask as a standard-reference artifact.
func (b *Bundle) MaskArtifact() models.Artifact {
	return models.Artifact{Role: RoleMask, Path: b.MaskPath, Space: space.Reference}
}
