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

// movingChannels are the channels rigidly registered onto the b1000 grid.
var movingChannels = []string{models.ChannelB0, models.ChannelADC, models.ChannelFLAIR}

// Registrator aligns the b0, ADC, and FLAIR channels to the fixed b1000
// image. The common within-subject grid is by definition the b1000 grid,
// so b1000 itself is never resampled. Registration is always rigid here;
// the configured transform type only applies to the reference stage.
type Registrator struct{}

func (r *Registrator) Name() string { return NameRegister }

func (r *Registrator) Inputs() []Role {
	in := []Role{{Name: models.ChannelB1000, Space: space.Native}}
	for _, ch := range movingChannels {
		in = append(in, Role{Name: ch, Space: space.Native})
	}
	return in
}

func (r *Registrator) Outputs() []Role {
	var out []Role
	for _, ch := range movingChannels {
		out = append(out,
			Role{Name: RoleRegistered(ch), Space: space.WithinSubject},
			Role{Name: RoleTransform(ch), Space: space.WithinSubject},
		)
	}
	return out
}

func (r *Registrator) RequiredSpace() space.Space { return space.Native }
func (r *Registrator) ProducedSpace() space.Space { return space.WithinSubject }

// Run registers the three moving channels, concurrently when asked; the
// channels are independent until the mask-application merge.
func (r *Registrator) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	fixed, ok := inputs[models.ChannelB1000]
	if !ok {
		return nil, missingInput(NameRegister, models.ChannelB1000)
	}

	outs := make([][2]models.Artifact, len(movingChannels))
	g, gctx := errgroup.WithContext(ctx)
	if !rc.Config.Parallel {
		g.SetLimit(1)
	}
	for i, ch := range movingChannels {
		i, ch := i, ch
		g.Go(func() error {
			in, ok := inputs[ch]
			if !ok {
				return missingInput(NameRegister, ch)
			}
			reg, xfm, err := r.registerChannel(gctx, rc, fixed, in)
			if err != nil {
				return err
			}
			outs[i] = [2]models.Artifact{reg, xfm}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := make(map[string]models.Artifact, 2*len(outs))
	for _, pair := range outs {
		m[pair[0].Role] = pair[0]
		m[pair[1].Role] = pair[1]
	}
	return m, nil
}

func (r *Registrator) registerChannel(ctx context.Context, rc *RunContext, fixed, in models.Artifact) (models.Artifact, models.Artifact, error) {
	var zero models.Artifact
	ch := in.Role

	outDir, err := rc.Store.Path(artifact.DirRegister)
	if err != nil {
		return zero, zero, fail(NameRegister, err, "")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return zero, zero, fail(NameRegister, fmt.Errorf("create %s: %w", artifact.DirRegister, err), "")
	}

	prefix := filepath.Join(outDir, ch+"_to_fixed_")
	res, err := rc.Runner.Run(ctx, invoke.Spec{
		Name:    "register-" + ch,
		Path:    rc.Tools.Registrator,
		Args:    []string{"-d", "3", "-f", fixed.Path, "-m", in.Path, "-o", prefix, "-t", "r"},
		Timeout: rc.Config.StageTimeout,
		LogPath: rc.logPath("register_" + ch),
	})
	if err != nil {
		return zero, zero, fail(NameRegister, err, invoke.Excerpt(res.Log, logExcerptLen))
	}

	warped := prefix + "Warped.nii.gz"
	mat := prefix + "0GenericAffine.mat"
	for _, p := range []string{warped, mat} {
		if _, err := os.Stat(p); err != nil {
			return zero, zero, fail(NameRegister,
				fmt.Errorf("%w: registration produced no %s", apperr.ErrExternalTool, filepath.Base(p)),
				invoke.Excerpt(res.Log, logExcerptLen))
		}
	}

	dest, err := rc.Store.Promote(warped, filepath.Join(artifact.DirRegister, ch+"_registered.nii.gz"))
	if err != nil {
		return zero, zero, fail(NameRegister, err, "")
	}

	regArt, err := rc.register(NameRegister, RoleRegistered(ch), dest, space.WithinSubject)
	if err != nil {
		return zero, zero, fail(NameRegister, err, "")
	}
	xfmArt, err := rc.register(NameRegister, RoleTransform(ch), mat, space.WithinSubject)
	if err != nil {
		return zero, zero, fail(NameRegister, err, "")
	}
	rc.Log.Info("channel registered",
		slog.String("subject", rc.Subject.ID),
		slog.String("channel", ch),
		slog.String("fixed", models.ChannelB1000),
	)
	return regArt, xfmArt, nil
}
