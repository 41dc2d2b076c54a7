package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/space"
)

// ReferenceRegistrator moves the masked volumes and the lesion mask onto
// the standard reference template. A single registration of the masked b0
// against the template, with the configured transform type, yields the
// forward transform chain; every volume then goes through the spatial
// registry, which rechecks the tags before delegating back here.
type ReferenceRegistrator struct{}

func (r *ReferenceRegistrator) Name() string { return NameRegisterRef }

func (r *ReferenceRegistrator) Inputs() []Role {
	var in []Role
	for _, ch := range models.RequiredChannels {
		in = append(in, Role{Name: RoleBrain(ch), Space: space.WithinSubject})
	}
	return append(in, Role{Name: RoleLesion, Space: space.WithinSubject})
}

func (r *ReferenceRegistrator) Outputs() []Role {
	var out []Role
	for _, ch := range models.RequiredChannels {
		out = append(out, Role{Name: RoleReference(ch), Space: space.Reference})
	}
	return append(out, Role{Name: RoleReference(RoleLesion), Space: space.Reference})
}

func (r *ReferenceRegistrator) RequiredSpace() space.Space { return space.WithinSubject }
func (r *ReferenceRegistrator) ProducedSpace() space.Space { return space.Reference }

func (r *ReferenceRegistrator) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	for _, role := range r.Inputs() {
		if _, ok := inputs[role.Name]; !ok {
			return nil, missingInput(NameRegisterRef, role.Name)
		}
	}
	if rc.Reference == nil {
		return nil, fail(NameRegisterRef, fmt.Errorf("%w: reference bundle not loaded", apperr.ErrInputMissing), "")
	}

	outDir, err := rc.Store.Path(artifact.DirReference)
	if err != nil {
		return nil, fail(NameRegisterRef, err, "")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fail(NameRegisterRef, fmt.Errorf("create %s: %w", artifact.DirReference, err), "")
	}

	tt := rc.Config.TransformType
	if tt == "" {
		tt = models.DefaultTransformType
	}
	flag, err := transformFlag(tt)
	if err != nil {
		return nil, fail(NameRegisterRef, fmt.Errorf("%w: %v", apperr.ErrInvocation, err), "")
	}

	moving := inputs[RoleBrain(models.ChannelB0)]
	prefix := filepath.Join(outDir, "dwi_b0_to_MNI_")
	res, err := rc.Runner.Run(ctx, invoke.Spec{
		Name:    "register-reference",
		Path:    rc.Tools.Registrator,
		Args:    []string{"-d", "3", "-f", rc.Reference.TemplatePath, "-m", moving.Path, "-o", prefix, "-t", flag},
		Timeout: rc.Config.StageTimeout,
		LogPath: rc.logPath("register_reference"),
	})
	if err != nil {
		return nil, fail(NameRegisterRef, err, invoke.Excerpt(res.Log, logExcerptLen))
	}

	// Forward transform chain, warp first for the nonlinear case.
	transforms := []string{prefix + "0GenericAffine.mat"}
	if tt == "SyN" {
		transforms = []string{prefix + "1Warp.nii.gz", prefix + "0GenericAffine.mat"}
	}
	for _, t := range transforms {
		if _, err := os.Stat(t); err != nil {
			return nil, fail(NameRegisterRef,
				fmt.Errorf("%w: registration produced no %s", apperr.ErrExternalTool, filepath.Base(t)),
				invoke.Excerpt(res.Log, logExcerptLen))
		}
	}

	registry := space.NewRegistry(&referenceResampler{
		rc:            rc,
		transforms:    transforms,
		transformType: tt,
		outDir:        outDir,
	})

	type refJob struct {
		art  models.Artifact
		role string
	}
	jobs := []refJob{
		{inputs[RoleBrain(models.ChannelB0)], RoleReference(models.ChannelB0)},
		{inputs[RoleBrain(models.ChannelB1000)], RoleReference(models.ChannelB1000)},
		{inputs[RoleBrain(models.ChannelADC)], RoleReference(models.ChannelADC)},
		{inputs[RoleBrain(models.ChannelFLAIR)], RoleReference(models.ChannelFLAIR)},
		{inputs[RoleLesion], RoleReference(RoleLesion)},
	}

	outs := make([]models.Artifact, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if !rc.Config.Parallel {
		g.SetLimit(1)
	}
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			it := space.Item{Role: job.art.Role, Space: job.art.Space}
			outPath, err := registry.Resample(gctx, it, job.art.Path, space.Reference, tt)
			if err != nil {
				return fail(NameRegisterRef, err, "")
			}
			a, err := rc.register(NameRegisterRef, job.role, outPath, space.Reference)
			if err != nil {
				return fail(NameRegisterRef, err, "")
			}
			outs[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rc.Log.Info("reference registration complete",
		slog.String("subject", rc.Subject.ID),
		slog.String("transform", tt),
		slog.Int("volumes", len(outs)),
	)
	m := make(map[string]models.Artifact, len(outs))
	for _, a := range outs {
		m[a.Role] = a
	}
	return m, nil
}

// referenceResampler satisfies space.Resampler for one computed transform
// chain. Output names follow the upstream convention: the input stem minus
// its _brain or _msk qualifier, plus _MNI.
type referenceResampler struct {
	rc            *RunContext
	transforms    []string
	transformType string
	outDir        string
}

func (r *referenceResampler) Resample(ctx context.Context, srcPath string, target space.Space, transformType string) (string, error) {
	if target != space.Reference {
		return "", fmt.Errorf("only %s is reachable from this chain, not %s", space.Reference, target)
	}
	if transformType != r.transformType {
		return "", fmt.Errorf("transform chain was computed as %s, not %s", r.transformType, transformType)
	}

	stem := refStem(srcPath)
	out := filepath.Join(r.outDir, stem+"_MNI.nii.gz")
	args := []string{"-d", "3", "-i", srcPath, "-r", r.rc.Reference.TemplatePath, "-o", out}
	for _, t := range r.transforms {
		args = append(args, "-t", t)
	}
	// Label volumes must stay label volumes through the resample.
	if labelVolume(srcPath) {
		args = append(args, "-n", "NearestNeighbor")
	}

	res, err := r.rc.Runner.Run(ctx, invoke.Spec{
		Name:    "resample-" + stem,
		Path:    r.rc.Tools.TransformTool,
		Args:    args,
		Timeout: r.rc.Config.StageTimeout,
		LogPath: r.rc.logPath("resample_" + stem),
	})
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("%w: transform produced no %s: %s",
			apperr.ErrExternalTool, filepath.Base(out), invoke.Excerpt(res.Log, logExcerptLen))
	}
	return out, nil
}

func refStem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".nii")
	base = strings.TrimSuffix(base, "_brain")
	base = strings.TrimSuffix(base, "_msk")
	return base
}

func labelVolume(path string) bool {
	return strings.HasPrefix(refStem(path), "lesion")
}
