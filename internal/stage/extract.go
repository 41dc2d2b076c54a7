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
	"github.com/calveira/cpspflow/internal/space"
)

// Extractor runs brain extraction on the raw b0 and FLAIR channels. Each
// invocation holds one GPU slot for its whole duration, so concurrency is
// bounded by the device count no matter what the parallel flag says.
type Extractor struct{}

func (e *Extractor) Name() string { return NameExtract }

func (e *Extractor) Inputs() []Role {
	return []Role{
		{Name: models.ChannelB0, Space: space.Native},
		{Name: models.ChannelFLAIR, Space: space.Native},
	}
}

func (e *Extractor) Outputs() []Role {
	return []Role{
		{Name: RoleB0BrainMask, Space: space.Native},
		{Name: RoleFLAIRBrainMask, Space: space.Native},
	}
}

func (e *Extractor) RequiredSpace() space.Space { return space.Native }
func (e *Extractor) ProducedSpace() space.Space { return space.Native }

// extractJob pairs a channel with the mask role and the output file stem
// the extractor tool derives the mask name from.
type extractJob struct {
	channel  string
	maskRole string
	stem     string
}

func (e *Extractor) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	jobs := []extractJob{
		{channel: models.ChannelB0, maskRole: RoleB0BrainMask, stem: "dwi_b0_brain"},
		{channel: models.ChannelFLAIR, maskRole: RoleFLAIRBrainMask, stem: "flair_brain"},
	}

	outs := make([]models.Artifact, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if !rc.Config.Parallel {
		g.SetLimit(1)
	}
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			in, ok := inputs[job.channel]
			if !ok {
				return missingInput(NameExtract, job.channel)
			}
			a, err := e.extract(gctx, rc, in, job)
			if err != nil {
				return err
			}
			outs[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := make(map[string]models.Artifact, len(outs))
	for _, a := range outs {
		m[a.Role] = a
	}
	return m, nil
}

func (e *Extractor) extract(ctx context.Context, rc *RunContext, in models.Artifact, job extractJob) (models.Artifact, error) {
	release, err := rc.Slots.Acquire(ctx)
	if err != nil {
		return models.Artifact{}, fail(NameExtract, err, "")
	}
	defer release()

	outDir, err := rc.Store.Path(artifact.DirExtract)
	if err != nil {
		return models.Artifact{}, fail(NameExtract, err, "")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return models.Artifact{}, fail(NameExtract, fmt.Errorf("create %s: %w", artifact.DirExtract, err), "")
	}

	brain := filepath.Join(outDir, job.stem+".nii.gz")
	res, err := rc.Runner.Run(ctx, invoke.Spec{
		Name:    "extract-" + job.channel,
		Path:    rc.Tools.Extractor,
		Args:    []string{"-i", in.Path, "-o", brain, "--save_bet_mask"},
		Timeout: rc.Config.StageTimeout,
		LogPath: rc.logPath("extract_" + job.channel),
	})
	if err != nil {
		return models.Artifact{}, fail(NameExtract, err, invoke.Excerpt(res.Log, logExcerptLen))
	}

	// The tool names the mask after the brain output.
	mask := filepath.Join(outDir, job.stem+"_bet.nii.gz")
	if _, err := os.Stat(mask); err != nil {
		return models.Artifact{}, fail(NameExtract,
			fmt.Errorf("%w: extractor produced no %s", apperr.ErrExternalTool, filepath.Base(mask)),
			invoke.Excerpt(res.Log, logExcerptLen))
	}

	a, err := rc.register(NameExtract, job.maskRole, mask, space.Native)
	if err != nil {
		return models.Artifact{}, fail(NameExtract, err, "")
	}
	rc.Log.Info("brain mask extracted",
		slog.String("subject", rc.Subject.ID),
		slog.String("channel", job.channel),
		slog.String("mask", mask),
	)
	return a, nil
}
