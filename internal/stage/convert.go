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

// Converter turns each raw channel binding into a committed NIfTI artifact
// under converted/. Bindings that already name a NIfTI file are copied in
// unchanged so the run directory stays self-contained; directory bindings
// go through the external DICOM converter.
type Converter struct{}

func (c *Converter) Name() string { return NameConvert }

// Inputs is empty: the converter reads the subject's channel bindings, not
// committed artifacts.
func (c *Converter) Inputs() []Role { return nil }

func (c *Converter) Outputs() []Role {
	out := make([]Role, len(models.RequiredChannels))
	for i, ch := range models.RequiredChannels {
		out[i] = Role{Name: ch, Space: space.Native}
	}
	return out
}

func (c *Converter) RequiredSpace() space.Space { return space.Native }
func (c *Converter) ProducedSpace() space.Space { return space.Native }

// Run converts the four channels, concurrently when the run asks for it.
// Conversion is CPU-bound, so no GPU slot is held here.
func (c *Converter) Run(ctx context.Context, rc *RunContext, _ map[string]models.Artifact) (map[string]models.Artifact, error) {
	outs := make([]models.Artifact, len(models.RequiredChannels))

	g, gctx := errgroup.WithContext(ctx)
	if !rc.Config.Parallel {
		g.SetLimit(1)
	}
	for i, ch := range models.RequiredChannels {
		i, ch := i, ch
		g.Go(func() error {
			a, err := c.convertChannel(gctx, rc, ch)
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

func (c *Converter) convertChannel(ctx context.Context, rc *RunContext, role string) (models.Artifact, error) {
	src := rc.Subject.Channels[role]
	if src == "" {
		return models.Artifact{}, missingInput(NameConvert, role)
	}
	info, err := os.Stat(src)
	if err != nil {
		return models.Artifact{}, fail(NameConvert, fmt.Errorf("%w: %s: %v", apperr.ErrInputMissing, role, err), "")
	}

	var produced string
	switch {
	case !info.IsDir() && isNIfTI(src):
		produced, err = c.copyIn(rc, role, src)
	case info.IsDir():
		produced, err = c.convertSeries(ctx, rc, role, src)
	default:
		err = fmt.Errorf("%w: %s: %s is neither a NIfTI file nor a directory", apperr.ErrInputMissing, role, src)
	}
	if err != nil {
		return models.Artifact{}, fail(NameConvert, err, "")
	}

	a, err := rc.register(NameConvert, role, produced, space.Native)
	if err != nil {
		return models.Artifact{}, fail(NameConvert, err, "")
	}
	rc.Log.Info("channel converted",
		slog.String("subject", rc.Subject.ID),
		slog.String("role", role),
		slog.String("path", produced),
	)
	return a, nil
}

// copyIn commits an already-NIfTI source into converted/, keeping its
// compression suffix honest.
func (c *Converter) copyIn(rc *RunContext, role, src string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", role, err)
	}
	return rc.Store.CommitFile(filepath.Join(artifact.DirConverted, role+niftiExt(src)), data)
}

func (c *Converter) convertSeries(ctx context.Context, rc *RunContext, role, dir string) (string, error) {
	outDir, err := rc.Store.Path(artifact.DirConverted)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", artifact.DirConverted, err)
	}

	res, err := rc.Runner.Run(ctx, invoke.Spec{
		Name:    "convert-" + role,
		Path:    rc.Tools.Converter,
		Args:    []string{"-z", "y", "-b", "n", "-o", outDir, "-f", role, dir},
		Timeout: rc.Config.StageTimeout,
		LogPath: rc.logPath("convert_" + role),
	})
	if err != nil {
		return "", fail(NameConvert, err, invoke.Excerpt(res.Log, logExcerptLen))
	}

	out := filepath.Join(outDir, role+".nii.gz")
	if _, err := os.Stat(out); err != nil {
		return "", fail(NameConvert,
			fmt.Errorf("%w: converter produced no %s", apperr.ErrExternalTool, filepath.Base(out)),
			invoke.Excerpt(res.Log, logExcerptLen))
	}
	return out, nil
}

func isNIfTI(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

func niftiExt(path string) string {
	if strings.HasSuffix(path, ".nii.gz") {
		return ".nii.gz"
	}
	return ".nii"
}
