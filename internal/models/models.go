// Package models defines the domain types for cpspflow.
package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/calveira/cpspflow/internal/space"
)

// Channel roles every subject must provide before a run starts.
const (
	ChannelB0    = "dwi_b0"
	ChannelB1000 = "dwi_b1000"
	ChannelADC   = "adc"
	ChannelFLAIR = "flair"
)

// RequiredChannels lists the four raw input roles in their canonical order.
var RequiredChannels = []string{ChannelB0, ChannelB1000, ChannelADC, ChannelFLAIR}

// Subject binds a subject identifier to its raw input channels. Each channel
// maps a role to either a volumetric file or a convertible DICOM folder.
type Subject struct {
	ID       string            `json:"id"`
	Channels map[string]string `json:"channels"`
}

// Artifact is one immutable intermediate product of a run. Stages never
// mutate artifacts in place; every transformation registers a new one.
type Artifact struct {
	RunID     string      `json:"run_id"`
	SubjectID string      `json:"subject_id"`
	Stage     string      `json:"stage"`
	Role      string      `json:"role"`
	Path      string      `json:"path"`
	Space     space.Space `json:"space"`
	Checksum  string      `json:"checksum"`
	CreatedAt time.Time   `json:"created_at"`
}

// SpaceItems converts artifacts into the form the space registry validates.
func SpaceItems(arts ...Artifact) []space.Item {
	items := make([]space.Item, len(arts))
	for i, a := range arts {
		items[i] = space.Item{Role: a.Role, Space: a.Space}
	}
	return items
}

// RunState is the scheduler position of a pipeline run.
type RunState string

const (
	StatePending              RunState = "pending"
	StateConverting           RunState = "converting"
	StateExtracting           RunState = "extracting"
	StateRegistering          RunState = "registering"
	StatePreparingSegInput    RunState = "preparing-segmentation-input"
	StateSegmenting           RunState = "segmenting"
	StateRegisteringReference RunState = "registering-reference"
	StateAnalyzingOverlap     RunState = "analyzing-overlap"
	StateCompleted            RunState = "completed"
	StateFailed               RunState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Defaults applied when a run config leaves the fields zero.
const (
	DefaultTransformType    = "Affine"
	DefaultOverlapThreshold = 0.51
)

// RunConfig is the run-scoped configuration a scheduler executes under.
type RunConfig struct {
	TransformType       string        `json:"transform_type"`
	Parallel            bool          `json:"parallel"`
	SaveIntermediate    bool          `json:"save_intermediate"`
	Overwrite           bool          `json:"overwrite"`
	OverlapThreshold    float64       `json:"overlap_threshold"`
	StageTimeout        time.Duration `json:"stage_timeout"`
	SegmentationTimeout time.Duration `json:"segmentation_timeout"`
	MaxRetries          int           `json:"max_retries"`
}

// WithDefaults fills the zero fields that have non-zero defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.TransformType == "" {
		c.TransformType = DefaultTransformType
	}
	if c.OverlapThreshold == 0 {
		c.OverlapThreshold = DefaultOverlapThreshold
	}
	return c
}

// Validate rejects option combinations no stage can execute. Zero values
// pass; they are filled by WithDefaults before the run starts.
func (c RunConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TransformType, validation.In("Rigid", "Affine", "SyN")),
		validation.Field(&c.OverlapThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}

// Run is one pipeline execution over one subject. Once State turns
// terminal the record is immutable history.
type Run struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	State      RunState   `json:"state"`
	Stage      string     `json:"stage,omitempty"` // current stage, or the one that failed
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	Retries    int        `json:"retries,omitempty"`
	Config     RunConfig  `json:"config"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// HemisphereStats describes the lesion load inside one labeled hemisphere.
type HemisphereStats struct {
	Voxels    int     `json:"voxels"`
	VolumeMM3 float64 `json:"volume_mm3"`
	Fraction  float64 `json:"fraction"`
	Overlap   bool    `json:"overlap"`
}

// OverlapReport is the final product of a successful run.
type OverlapReport struct {
	SubjectID            string          `json:"subject_id"`
	RunID                string          `json:"run_id"`
	Threshold            float64         `json:"threshold"`
	LesionVoxels         int             `json:"lesion_voxels"`
	TotalLesionVolumeMM3 float64         `json:"total_lesion_volume_mm3"`
	Left                 HemisphereStats `json:"left_hemisphere_stats"`
	Right                HemisphereStats `json:"right_hemisphere_stats"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

// FailureRecord replaces the overlap report when a run fails.
type FailureRecord struct {
	SubjectID   string    `json:"subject_id"`
	RunID       string    `json:"run_id"`
	FailedStage string    `json:"failed_stage"`
	ErrorKind   string    `json:"error_kind"`
	LogExcerpt  string    `json:"log_excerpt,omitempty"`
	FailedAt    time.Time `json:"failed_at"`
}
