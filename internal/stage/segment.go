package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/space"
)

// segMountPoint is where the segmentation container expects its inputs.
const segMountPoint = "/app/data"

// awaitOutput bounds the wait for the lesion mask after the container has
// already exited zero; bind-mount visibility can lag a moment behind.
var awaitOutput = 30 * time.Second

// SegmentationClient drives the nested lesion-segmentation container. The
// only control channel is the docker CLI against the host socket; data
// moves through the bound subject_space_results volume, and exit code plus
// output-file presence are the only completion signals. The host-wide gate
// is held for the whole invocation so two containers never share a device.
type SegmentationClient struct{}

func (s *SegmentationClient) Name() string { return NameSegment }

func (s *SegmentationClient) Inputs() []Role {
	return []Role{
		{Name: RoleBrain(models.ChannelB1000), Space: space.WithinSubject},
		{Name: RoleBrain(models.ChannelADC), Space: space.WithinSubject},
		{Name: RoleBrain(models.ChannelFLAIR), Space: space.WithinSubject},
	}
}

func (s *SegmentationClient) Outputs() []Role {
	return []Role{{Name: RoleLesion, Space: space.WithinSubject}}
}

func (s *SegmentationClient) RequiredSpace() space.Space { return space.WithinSubject }
func (s *SegmentationClient) ProducedSpace() space.Space { return space.WithinSubject }

func (s *SegmentationClient) Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error) {
	for _, role := range s.Inputs() {
		if _, ok := inputs[role.Name]; !ok {
			return nil, missingInput(NameSegment, role.Name)
		}
	}

	// Gate before slot, always in that order: the gate is never held by
	// anything waiting on a slot holder, so the pair cannot deadlock.
	releaseGate, err := rc.Gate.Acquire(ctx)
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}
	defer releaseGate()
	releaseSlot, err := rc.Slots.Acquire(ctx)
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}
	defer releaseSlot()

	subjDir, err := rc.Store.Path(artifact.DirSubjectSpace)
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}

	container := invoke.ContainerSpec{
		Image: rc.Tools.SegmentationImage,
		Binds: []string{s.hostDir(rc, subjDir) + ":" + segMountPoint},
		GPUs:  true,
		Args: []string{
			"--dwi_file_name", "dwi_b1000_brain.nii.gz",
			"--adc_file_name", "adc_brain.nii.gz",
			"--flair_file_name", "flair_brain.nii.gz",
		},
	}
	if rc.Config.Parallel {
		container.Args = append(container.Args, "--parallelize")
	}

	rc.Log.Info("starting segmentation container",
		slog.String("subject", rc.Subject.ID),
		slog.String("image", container.Image),
		slog.Duration("timeout", rc.Config.SegmentationTimeout),
	)
	res, err := rc.Runner.Run(ctx, container.Spec("segment", rc.Config.SegmentationTimeout, rc.logPath("segment")))
	if err != nil {
		return nil, fail(NameSegment, err, invoke.Excerpt(res.Log, logExcerptLen))
	}

	// The service writes results/lesion_msk.nii.gz inside the bound volume.
	produced, err := rc.Store.Path(artifact.DirSubjectSpace, artifact.DirSegOutput, artifact.FileLesion)
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}
	if err := awaitFile(ctx, produced, awaitOutput); err != nil {
		return nil, fail(NameSegment,
			fmt.Errorf("%w: container exited clean but %v", apperr.ErrExternalTool, err),
			invoke.Excerpt(res.Log, logExcerptLen))
	}

	// Promote the mask out of the scratch directory before committing, so a
	// failure between the two leaves no half-registered lesion artifact.
	dest, err := rc.Store.Promote(produced, filepath.Join(artifact.DirSubjectSpace, artifact.FileLesion))
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}
	a, err := rc.register(NameSegment, RoleLesion, dest, space.WithinSubject)
	if err != nil {
		return nil, fail(NameSegment, err, "")
	}
	rc.Log.Info("lesion mask committed",
		slog.String("subject", rc.Subject.ID),
		slog.String("path", dest),
	)
	return map[string]models.Artifact{RoleLesion: a}, nil
}

// hostDir maps the container-internal subject directory to the path the
// host daemon must bind. Explicit configuration wins; otherwise the mount
// table is consulted, and a plain host run falls through unchanged.
func (s *SegmentationClient) hostDir(rc *RunContext, subjDir string) string {
	if rc.HostRoot != "" {
		return filepath.Join(rc.HostRoot, artifact.DirSubjectSpace)
	}
	if host, err := invoke.HostPath(rc.Store.Root()); err == nil {
		return filepath.Join(host, artifact.DirSubjectSpace)
	}
	return subjDir
}

// awaitFile waits for path to exist, reacting to directory events and
// falling back to polling; fsnotify cannot watch a directory that does not
// exist yet, and the results directory appears together with the file.
func awaitFile(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var events chan fsnotify.Event
	var errs chan error
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		_ = w.Add(filepath.Dir(path))
		_ = w.Add(filepath.Dir(filepath.Dir(path)))
		events = w.Events
		errs = w.Errors
	}

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%s absent after %s", filepath.Base(path), timeout)
		case <-tick.C:
		case <-events:
		case <-errs:
		}
	}
}
