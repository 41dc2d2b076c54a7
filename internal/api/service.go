package api

import (
	"context"
	"fmt"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/pipeline"
)

// Service coordinates manifest reads and run launches for the API layer.
type Service struct {
	db     manifest.Store
	engine *pipeline.Engine

	inputRoot string
	runCfg    models.RunConfig
	base      context.Context
}

// NewService creates a new API service. base is the lifetime context for
// API-launched runs: they stop when it is cancelled, not when the request
// that triggered them ends. runCfg is the serve-mode default config that
// per-request options override.
func NewService(base context.Context, db manifest.Store, engine *pipeline.Engine, inputRoot string, runCfg models.RunConfig) *Service {
	return &Service{
		db:        db,
		engine:    engine,
		inputRoot: inputRoot,
		runCfg:    runCfg,
		base:      base,
	}
}

// ListRuns returns runs from the manifest, optionally filtered by state.
func (s *Service) ListRuns(state string, limit int) ([]models.Run, error) {
	runs, err := s.db.ListRuns(state, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return runs, nil
}

// GetRun returns one run by ID.
func (s *Service) GetRun(id string) (models.Run, error) {
	return s.db.GetRun(id)
}

// Artifacts returns the artifact trail of a known run.
func (s *Service) Artifacts(runID string) ([]models.Artifact, error) {
	if _, err := s.db.GetRun(runID); err != nil {
		return nil, err
	}
	arts, err := s.db.Artifacts(runID)
	if err != nil {
		return nil, err
	}
	if arts == nil {
		arts = []models.Artifact{}
	}
	return arts, nil
}

// ArtifactByRole resolves one artifact of a run by its role name.
func (s *Service) ArtifactByRole(runID, role string) (models.Artifact, error) {
	arts, err := s.Artifacts(runID)
	if err != nil {
		return models.Artifact{}, err
	}
	for _, a := range arts {
		if a.Role == role {
			return a, nil
		}
	}
	return models.Artifact{}, fmt.Errorf("api: artifact %s for run %s: %w", role, runID, apperr.ErrNotFound)
}

// Outcome returns the terminal product of a run: the overlap report when
// it completed, the failure record when it failed. Neither exists while
// the run is still in flight.
func (s *Service) Outcome(runID string) (*models.OverlapReport, *models.FailureRecord, error) {
	if _, err := s.db.GetRun(runID); err != nil {
		return nil, nil, err
	}
	if rep, err := s.db.GetReport(runID); err == nil {
		return &rep, nil, nil
	}
	if rec, err := s.db.GetFailure(runID); err == nil {
		return nil, &rec, nil
	}
	return nil, nil, fmt.Errorf("api: run %s has no outcome yet: %w", runID, apperr.ErrNotFound)
}

// StartRun binds the subject directory under the input root and launches
// its run in the background. The returned ID can be polled immediately.
func (s *Service) StartRun(subjectID string, cfg models.RunConfig) (string, error) {
	subject, err := pipeline.LoadSubject(s.inputRoot, subjectID)
	if err != nil {
		return "", err
	}
	return s.engine.Start(s.base, subject, cfg)
}

// RunConfigWith overlays per-request options on the serve-mode defaults.
func (s *Service) RunConfigWith(req CreateRunRequest) models.RunConfig {
	cfg := s.runCfg
	if req.TransformType != "" {
		cfg.TransformType = req.TransformType
	}
	if req.OverlapThreshold != 0 {
		cfg.OverlapThreshold = req.OverlapThreshold
	}
	if req.Overwrite {
		cfg.Overwrite = true
	}
	if req.MaxRetries > 0 {
		cfg.MaxRetries = req.MaxRetries
	}
	return cfg
}

// Ready reports whether the manifest database answers queries.
func (s *Service) Ready() error {
	_, err := s.db.ListRuns("", 1)
	return err
}
