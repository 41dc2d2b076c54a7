// Package stage wraps each external processing tool behind one adapter
// contract: declared input and output roles with their coordinate spaces,
// and a Run that turns committed artifacts into new committed artifacts.
// Adapters never retry and never swallow failures; classification happens
// in the invoker and policy in the scheduler.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/gpu"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/reference"
	"github.com/calveira/cpspflow/internal/space"
)

// Stage adapter names, also used as the stage column on artifacts and runs.
const (
	NameConvert     = "convert"
	NameExtract     = "extract"
	NameRegister    = "register"
	NamePrepare     = "prepare-segmentation"
	NameSegment     = "segment"
	NameRegisterRef = "register-reference"
	NameAnalyze     = "analyze-overlap"
)

// Artifact roles flowing between stages. Raw channel roles come from
// models.RequiredChannels; everything below is produced inside a run.
const (
	RoleB0BrainMask    = "dwi_b0_brain_mask"
	RoleFLAIRBrainMask = "flair_brain_mask"
	RoleLesion         = "lesion"
)

// RoleRegistered names a channel resampled onto the within-subject grid.
func RoleRegistered(channel string) string { return channel + "_reg" }

// RoleTransform names the forward transform computed for a channel.
func RoleTransform(channel string) string { return channel + "_xfm" }

// RoleBrain names a skull-stripped channel on the common grid.
func RoleBrain(channel string) string { return channel + "_brain" }

// RoleReference names a volume resampled onto the reference template grid.
func RoleReference(role string) string { return role + "_MNI" }

// logExcerptLen bounds the tool-output excerpt attached to failures.
const logExcerptLen = 400

// Role declares one input or output by name together with the coordinate
// space it must be tagged with. Per-role spaces are needed because the
// mask-application stage legitimately combines native-space brain masks
// with within-subject images; the scheduler checks every declared tag
// before dispatching, so no stage ever sees a mismatched input.
type Role struct {
	Name  string
	Space space.Space
}

// Stage is one idempotent unit of work. A stage cannot run until every
// declared input role exists as a committed artifact in its declared space.
// RequiredSpace is the space the stage combines volumes in; space-crossing
// stages (the mask applier, the reference registrator) additionally accept
// roles tagged otherwise, which is why Inputs carries a space per role.
type Stage interface {
	Name() string
	Inputs() []Role
	Outputs() []Role
	RequiredSpace() space.Space
	ProducedSpace() space.Space
	Run(ctx context.Context, rc *RunContext, inputs map[string]models.Artifact) (map[string]models.Artifact, error)
}

// Tools names the external executables and the segmentation image. Zero
// values fall back to the conventional names on PATH.
type Tools struct {
	Converter         string `json:"converter" yaml:"converter"`
	Extractor         string `json:"extractor" yaml:"extractor"`
	Registrator       string `json:"registrator" yaml:"registrator"`
	TransformTool     string `json:"transform_tool" yaml:"transform_tool"`
	SegmentationImage string `json:"segmentation_image" yaml:"segmentation_image"`
}

// DefaultTools returns the conventional tool names.
func DefaultTools() Tools {
	return Tools{
		Converter:         "dcm2niix",
		Extractor:         "hd-bet",
		Registrator:       "antsRegistrationSyN.sh",
		TransformTool:     "antsApplyTransforms",
		SegmentationImage: "isleschallenge/deepisles",
	}
}

func (t Tools) withDefaults() Tools {
	d := DefaultTools()
	if t.Converter == "" {
		t.Converter = d.Converter
	}
	if t.Extractor == "" {
		t.Extractor = d.Extractor
	}
	if t.Registrator == "" {
		t.Registrator = d.Registrator
	}
	if t.TransformTool == "" {
		t.TransformTool = d.TransformTool
	}
	if t.SegmentationImage == "" {
		t.SegmentationImage = d.SegmentationImage
	}
	return t
}

// RunContext is everything an adapter needs from the surrounding run. The
// scheduler owns it; adapters treat every field but Report as read-only.
type RunContext struct {
	RunID     string
	Subject   models.Subject
	Config    models.RunConfig
	Store     *artifact.Store
	Runner    *invoke.Runner
	Slots     *gpu.Slots
	Gate      *gpu.Gate
	Tools     Tools
	Reference *reference.Bundle
	Log       *slog.Logger

	// HostRoot is the host path backing Store.Root() when the orchestrator
	// itself runs containerized; empty means the root already is a host path.
	HostRoot string

	// Overwrite relaxes the duplicate-role guard for explicit reruns.
	Overwrite bool

	// Report is filled by the overlap stage and persisted by the scheduler.
	Report *models.OverlapReport
}

// Normalize applies tool defaults once; the scheduler calls this before
// the first stage runs.
func (rc *RunContext) Normalize() {
	rc.Tools = rc.Tools.withDefaults()
	if rc.Log == nil {
		rc.Log = slog.Default()
	}
}

// register commits one stage output under the run's identity.
func (rc *RunContext) register(stageName, role, absPath string, sp space.Space) (models.Artifact, error) {
	return rc.Store.Register(models.Artifact{
		RunID:     rc.RunID,
		SubjectID: rc.Subject.ID,
		Stage:     stageName,
		Role:      role,
		Path:      absPath,
		Space:     sp,
	}, rc.Overwrite)
}

// logPath places one tool's captured output under the run's log directory.
func (rc *RunContext) logPath(name string) string {
	p, err := rc.Store.Path(artifact.DirLogs, name+".log")
	if err != nil {
		return ""
	}
	return p
}

// transformFlag maps the configured transform type onto the registration
// script's single-letter mode.
func transformFlag(transformType string) (string, error) {
	switch transformType {
	case "Rigid":
		return "r", nil
	case "Affine":
		return "a", nil
	case "SyN":
		return "s", nil
	}
	return "", fmt.Errorf("stage: unknown transform type %q (want Rigid, Affine, or SyN)", transformType)
}

// All returns the full pipeline in dependency order.
func All() []Stage {
	return []Stage{
		&Converter{},
		&Extractor{},
		&Registrator{},
		&MaskApplier{},
		&SegmentationClient{},
		&ReferenceRegistrator{},
		&OverlapComputer{},
	}
}

// Failure is the error every adapter surfaces: the stage that failed, the
// wrapped cause (carrying one of the apperr sentinels), and a short excerpt
// of the failing tool's output when one was captured.
type Failure struct {
	Stage string
	Err   error
	Log   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage %s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Kind maps the wrapped cause onto the error taxonomy.
func (f *Failure) Kind() string { return apperr.Kind(f.Err) }

// fail wraps err as a stage failure unless it already is one.
func fail(stageName string, err error, log string) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Stage: stageName, Err: err, Log: log}
}

// missingInput builds the failure for a role the store should have held.
// The scheduler gate makes this unreachable in practice; adapters keep the
// check so a direct Run call cannot dereference a hole in the map.
func missingInput(stageName, role string) error {
	return fail(stageName, fmt.Errorf("%w: %s", apperr.ErrInputMissing, role), "")
}
