package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/report"
)

// DiscoverSubjects scans root for one directory per subject and binds the
// required channels by name: an entry matches a channel when its name,
// stripped of .nii/.nii.gz, equals the channel or extends it with an
// underscore (dwi_b0_raw.nii.gz binds dwi_b0; DICOM series directories
// match the same way). An exact name beats a prefixed one. Directories
// with no matching entries at all are skipped; partially bound subjects
// are returned as-is and fail channel validation at run time.
func DiscoverSubjects(root string) ([]models.Subject, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read input root: %w", err)
	}
	var subjects []models.Subject
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		channels, err := bindChannels(dir)
		if err != nil {
			return nil, err
		}
		if len(channels) == 0 {
			continue
		}
		subjects = append(subjects, models.Subject{ID: entry.Name(), Channels: channels})
	}
	return subjects, nil
}

// LoadSubject binds one subject directory under root using the same naming
// convention as DiscoverSubjects.
func LoadSubject(root, id string) (models.Subject, error) {
	dir := filepath.Join(root, id)
	info, err := os.Stat(dir)
	if err != nil {
		return models.Subject{}, fmt.Errorf("pipeline: subject dir %s: %w", id, apperr.ErrInputMissing)
	}
	if !info.IsDir() {
		return models.Subject{}, fmt.Errorf("pipeline: subject path %s is not a directory: %w", id, apperr.ErrInputMissing)
	}
	channels, err := bindChannels(dir)
	if err != nil {
		return models.Subject{}, err
	}
	return models.Subject{ID: id, Channels: channels}, nil
}

func bindChannels(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read subject dir %s: %w", filepath.Base(dir), err)
	}
	channels := make(map[string]string)
	for _, ch := range models.RequiredChannels {
		exact, prefixed := "", ""
		for _, entry := range entries {
			name := entry.Name()
			if !entry.IsDir() && !hasNIfTIExt(name) {
				continue
			}
			base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".nii")
			switch {
			case base == ch:
				exact = name
			case prefixed == "" && strings.HasPrefix(base, ch+"_"):
				prefixed = name
			}
		}
		pick := exact
		if pick == "" {
			pick = prefixed
		}
		if pick != "" {
			channels[ch] = filepath.Join(dir, pick)
		}
	}
	return channels, nil
}

// RunBatch runs every subject with at most workers concurrent runs and
// returns the batch summary. Subjects are isolated: one failure never
// aborts the rest, and every outcome lands in the manifest, the shared
// CSV, and the summary, which is also written to batch_summary.json at
// the output root. A cancelled context stops scheduling new subjects and
// is reported as the returned error.
func (e *Engine) RunBatch(ctx context.Context, subjects []models.Subject, cfg models.RunConfig, workers int) (report.BatchSummary, error) {
	if workers < 1 {
		workers = 1
	}
	e.log.Info("batch started",
		slog.Int("subjects", len(subjects)),
		slog.Int("workers", workers),
	)

	var (
		mu       sync.Mutex
		reports  []models.OverlapReport
		failures []models.FailureRecord
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			run, rep, err := e.exec(ctx, uuid.NewString(), subject, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, failureFromRun(run))
				return nil
			}
			reports = append(reports, *rep)
			return nil
		})
	}
	_ = g.Wait() // workers record their own outcomes

	summary := report.Summarize(reports, failures)
	e.log.Info("batch finished",
		slog.Int("subjects", summary.Subjects),
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
	)
	if err := report.WriteJSON(filepath.Join(e.outputRoot, report.FileBatchSummary), summary); err != nil {
		e.log.Error("write batch summary", slog.String("error", err.Error()))
	}
	return summary, ctx.Err()
}

func failureFromRun(run models.Run) models.FailureRecord {
	rec := models.FailureRecord{
		SubjectID:   run.SubjectID,
		RunID:       run.ID,
		FailedStage: run.Stage,
		ErrorKind:   run.ErrorKind,
		FailedAt:    run.StartedAt,
	}
	if run.FinishedAt != nil {
		rec.FailedAt = *run.FinishedAt
	}
	return rec
}
