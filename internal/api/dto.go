package api

import (
	"github.com/calveira/cpspflow/internal/models"
)

// CreateRunRequest is the request body for starting a run. Zero-valued
// options fall back to the serve-mode defaults.
type CreateRunRequest struct {
	SubjectID        string  `json:"subject_id" example:"sub-001" validate:"required"`
	TransformType    string  `json:"transform_type,omitempty" example:"Affine"`
	OverlapThreshold float64 `json:"overlap_threshold,omitempty" example:"0.51"`
	Overwrite        bool    `json:"overwrite,omitempty"`
	MaxRetries       int     `json:"max_retries,omitempty"`
}

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	RunID     string `json:"run_id" example:"7f8c1a0e-..." validate:"required"`
	SubjectID string `json:"subject_id" example:"sub-001" validate:"required"`
	State     string `json:"state" example:"pending" validate:"required"`
}

// RunDetail is the full run record (aliased from the domain layer).
type RunDetail = models.Run

// RunListResponse wraps run listings.
type RunListResponse struct {
	Runs  []RunDetail `json:"runs" validate:"required"`
	Total int         `json:"total" example:"12" validate:"required"`
}

// ArtifactListResponse wraps the artifact trail of one run.
type ArtifactListResponse struct {
	Artifacts []models.Artifact `json:"artifacts" validate:"required"`
}

// OutcomeResponse carries exactly one of the two terminal run products.
type OutcomeResponse struct {
	Report  *models.OverlapReport `json:"report,omitempty"`
	Failure *models.FailureRecord `json:"failure,omitempty"`
}
