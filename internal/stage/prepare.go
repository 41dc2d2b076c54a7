package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/space"
)

// MaskApplier is the space transformer between registration and
// segmentation: it resamples the native brain masks onto the common grid
// using the transforms computed per channel, then multiplies every aligned
// image by its mask. The four masked volumes under subject_space_results/
// are exactly what the segmentation service expects to find.
type MaskApplier struct{}

func (p *MaskApplier) Name() string { return NamePrepare }

func (p *MaskApplier) Inputs() []Role {
	return []Role{
		{Name: models.ChannelB1000, Space: space.Native},
		{Name: RoleB0BrainMask, Space: space.Native},
		{Name: RoleFLAIRBrainMask, Space: space.Native},
		{Name: RoleRegistered(models.ChannelB0), Space: space.WithinSubject},
		{Name: RoleRegistered(models.ChannelADC), Space: space.WithinSubject},
		{Name: RoleRegistered(models.ChannelFLAIR), Space: space.WithinSubject},
		{Name: RoleTransform(models.ChannelB0), Space: space.WithinSubject},
		{Name: RoleTransform(models.ChannelFLAIR), Space: space.WithinSubject},
	}
}

func (p *MaskApplier) Outputs() []Role {
	out := make([]Role, len(models.RequiredChannels))
	for i, ch := range models.RequiredChannels {
		out[i] = Role{Name: RoleBrain(ch), Space: space.WithinSubject}
	}
	return out
}

func (p *MaskApplier) RequiredSpace() space.Space { return space.WithinSubject }
func (p *MaskApplier) ProducedSpace() space.Space { return space.WithinSubject }

func (p *MaskApplier) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	for _, role := range p.Inputs() {
		if _, ok := inputs[role.Name]; !ok {
			return nil, missingInput(NamePrepare, role.Name)
		}
	}

	outDir, err := rc.Store.Path(artifact.DirSubjectSpace)
	if err != nil {
		return nil, fail(NamePrepare, err, "")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fail(NamePrepare, fmt.Errorf("create %s: %w", artifact.DirSubjectSpace, err), "")
	}

	// Move both masks onto the common grid. Interpolation stays linear to
	// match the registration defaults; the multiply below tolerates the
	// interpolated mask edge.
	var b0MaskPath, flairMaskPath string
	g, gctx := errgroup.WithContext(ctx)
	if !rc.Config.Parallel {
		g.SetLimit(1)
	}
	g.Go(func() error {
		var err error
		b0MaskPath, err = p.resampleMask(gctx, rc,
			inputs[RoleB0BrainMask],
			inputs[RoleRegistered(models.ChannelB0)],
			inputs[RoleTransform(models.ChannelB0)],
			"dwi_b0_mask_common.nii.gz")
		return err
	})
	g.Go(func() error {
		var err error
		flairMaskPath, err = p.resampleMask(gctx, rc,
			inputs[RoleFLAIRBrainMask],
			inputs[RoleRegistered(models.ChannelFLAIR)],
			inputs[RoleTransform(models.ChannelFLAIR)],
			"flair_mask_common.nii.gz")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b0Mask, err := nifti.Read(b0MaskPath)
	if err != nil {
		return nil, fail(NamePrepare, err, "")
	}
	flairMask, err := nifti.Read(flairMaskPath)
	if err != nil {
		return nil, fail(NamePrepare, err, "")
	}

	// The b0 mask strips b1000, b0, and ADC; FLAIR keeps its own mask.
	jobs := []struct {
		src  models.Artifact
		mask *nifti.Volume
		file string
		role string
	}{
		{inputs[models.ChannelB1000], b0Mask, "dwi_b1000_brain.nii.gz", RoleBrain(models.ChannelB1000)},
		{inputs[RoleRegistered(models.ChannelB0)], b0Mask, "dwi_b0_brain.nii.gz", RoleBrain(models.ChannelB0)},
		{inputs[RoleRegistered(models.ChannelADC)], b0Mask, "adc_brain.nii.gz", RoleBrain(models.ChannelADC)},
		{inputs[RoleRegistered(models.ChannelFLAIR)], flairMask, "flair_brain.nii.gz", RoleBrain(models.ChannelFLAIR)},
	}

	out := make(map[string]models.Artifact, len(jobs))
	for _, job := range jobs {
		img, err := nifti.Read(job.src.Path)
		if err != nil {
			return nil, fail(NamePrepare, fmt.Errorf("%s: %w", job.src.Role, err), "")
		}
		masked, err := applyMask(job.src.Role, img, job.mask)
		if err != nil {
			return nil, fail(NamePrepare, err, "")
		}

		tmp := filepath.Join(outDir, ".tmp-"+job.file)
		if err := nifti.WriteFloat32(tmp, masked); err != nil {
			return nil, fail(NamePrepare, err, "")
		}
		dest, err := rc.Store.Promote(tmp, filepath.Join(artifact.DirSubjectSpace, job.file))
		if err != nil {
			return nil, fail(NamePrepare, err, "")
		}
		a, err := rc.register(NamePrepare, job.role, dest, space.WithinSubject)
		if err != nil {
			return nil, fail(NamePrepare, err, "")
		}
		out[a.Role] = a
	}
	rc.Log.Info("segmentation input prepared",
		slog.String("subject", rc.Subject.ID),
		slog.Int("volumes", len(out)),
	)
	return out, nil
}

// resampleMask applies one channel's forward transform to its brain mask,
// targeting the registered channel's grid. The result is scratch, not a
// committed artifact; it lives next to the transforms it came from.
func (p *MaskApplier) resampleMask(ctx context.Context, rc *RunContext, mask, ref, xfm models.Artifact, file string) (string, error) {
	out, err := rc.Store.Path(artifact.DirRegister, file)
	if err != nil {
		return "", fail(NamePrepare, err, "")
	}
	res, err := rc.Runner.Run(ctx, invoke.Spec{
		Name:    "resample-" + mask.Role,
		Path:    rc.Tools.TransformTool,
		Args:    []string{"-d", "3", "-i", mask.Path, "-r", ref.Path, "-o", out, "-t", xfm.Path},
		Timeout: rc.Config.StageTimeout,
		LogPath: rc.logPath("prepare_" + mask.Role),
	})
	if err != nil {
		return "", fail(NamePrepare, err, invoke.Excerpt(res.Log, logExcerptLen))
	}
	if _, err := os.Stat(out); err != nil {
		return "", fail(NamePrepare,
			fmt.Errorf("%w: transform produced no %s", apperr.ErrExternalTool, file),
			invoke.Excerpt(res.Log, logExcerptLen))
	}
	return out, nil
}

// applyMask multiplies an image by a mask on the same grid.
func applyMask(role string, img, mask *nifti.Volume) (*nifti.Volume, error) {
	if !img.SameShape(mask) {
		return nil, fmt.Errorf("%w: %s is %dx%dx%d but its mask is %dx%dx%d",
			apperr.ErrSpaceMismatch, role, img.NX, img.NY, img.NZ, mask.NX, mask.NY, mask.NZ)
	}
	out := nifti.NewVolume(img.NX, img.NY, img.NZ, img.Spacing)
	for i := range img.Data {
		out.Data[i] = img.Data[i] * mask.Data[i]
	}
	return out, nil
}
