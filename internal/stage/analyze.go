package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/overlap"
	"github.com/calveira/cpspflow/internal/space"
)

// OverlapComputer is the terminal stage: it intersects the resampled
// lesion mask with the reference symptom mask. The analyzer revalidates
// both spaces even though the scheduler gated the lesion input, because
// the symptom mask arrives from the bundle rather than the store. It
// never resamples; a mismatch here is an upstream bug.
type OverlapComputer struct{}

func (o *OverlapComputer) Name() string { return NameAnalyze }

func (o *OverlapComputer) Inputs() []Role {
	return []Role{{Name: RoleReference(RoleLesion), Space: space.Reference}}
}

// Outputs is empty: the product is the overlap report, which the scheduler
// persists from the run context.
func (o *OverlapComputer) Outputs() []Role { return nil }

func (o *OverlapComputer) RequiredSpace() space.Space { return space.Reference }
func (o *OverlapComputer) ProducedSpace() space.Space { return space.Reference }

func (o *OverlapComputer) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	lesion, ok := inputs[RoleReference(RoleLesion)]
	if !ok {
		return nil, missingInput(NameAnalyze, RoleReference(RoleLesion))
	}
	if rc.Reference == nil {
		return nil, fail(NameAnalyze, fmt.Errorf("%w: reference bundle not loaded", apperr.ErrInputMissing), "")
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(NameAnalyze, fmt.Errorf("%w: %v", apperr.ErrCancelled, err), "")
	}

	thr := rc.Config.OverlapThreshold
	if thr == 0 {
		thr = models.DefaultOverlapThreshold
	}

	rep, err := overlap.Analyze(lesion, rc.Reference.MaskArtifact(), thr)
	if err != nil {
		return nil, fail(NameAnalyze, err, "")
	}
	rc.Report = &rep

	rc.Log.Info("overlap analyzed",
		slog.String("subject", rc.Subject.ID),
		slog.Int("lesion_voxels", rep.LesionVoxels),
		slog.Bool("left", rep.Left.Overlap),
		slog.Bool("right", rep.Right.Overlap),
	)
	return nil, nil
}
