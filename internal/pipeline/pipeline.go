// Package pipeline drives runs through the stage graph. One run covers
// one subject as a sequential state machine; inside a stage, independent
// per-channel work may fan out when the run asks for it. The scheduler
// owns all policy the stages are forbidden to have: input gating, space
// validation, retries, event publication, and terminal reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/gpu"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/reference"
	"github.com/calveira/cpspflow/internal/report"
	"github.com/calveira/cpspflow/internal/stage"
)

// stageState maps each stage onto the run state the scheduler holds while
// that stage executes.
var stageState = map[string]models.RunState{
	stage.NameConvert:     models.StateConverting,
	stage.NameExtract:     models.StateExtracting,
	stage.NameRegister:    models.StateRegistering,
	stage.NamePrepare:     models.StatePreparingSegInput,
	stage.NameSegment:     models.StateSegmenting,
	stage.NameRegisterRef: models.StateRegisteringReference,
	stage.NameAnalyze:     models.StateAnalyzingOverlap,
}

// Options wires an engine. Manifest may be nil for ephemeral runs; Slots,
// Gate, Runner, Publisher, and Logger default sensibly.
type Options struct {
	Manifest   manifest.Store
	Slots      *gpu.Slots
	Gate       *gpu.Gate
	Runner     *invoke.Runner
	Reference  *reference.Bundle
	Tools      stage.Tools
	Publisher  Publisher
	Logger     *slog.Logger
	OutputRoot string
	HostRoot   string
	CSVPath    string
}

// Engine executes pipeline runs. Safe for concurrent use; runs share the
// GPU handles and the manifest but nothing else.
type Engine struct {
	manifest   manifest.Store
	slots      *gpu.Slots
	gate       *gpu.Gate
	runner     *invoke.Runner
	ref        *reference.Bundle
	tools      stage.Tools
	pub        Publisher
	log        *slog.Logger
	outputRoot string
	hostRoot   string
	csvPath    string

	mu     sync.Mutex
	active map[string]struct{} // subjects with a Start-launched run in flight
	wg     sync.WaitGroup      // open Start goroutines
}

// NewEngine creates the output root and an engine over it.
func NewEngine(opts Options) (*Engine, error) {
	if opts.OutputRoot == "" {
		return nil, fmt.Errorf("pipeline: output root is required")
	}
	if err := os.MkdirAll(opts.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create output root: %w", err)
	}
	if opts.Slots == nil {
		opts.Slots = gpu.NewSlots(1)
	}
	if opts.Gate == nil {
		opts.Gate = gpu.NewGate()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = invoke.NewRunner(0, opts.Logger)
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.CSVPath == "" {
		opts.CSVPath = filepath.Join(opts.OutputRoot, report.FileCSV)
	}
	return &Engine{
		manifest:   opts.Manifest,
		slots:      opts.Slots,
		gate:       opts.Gate,
		runner:     opts.Runner,
		ref:        opts.Reference,
		tools:      opts.Tools,
		pub:        opts.Publisher,
		log:        opts.Logger,
		outputRoot: opts.OutputRoot,
		hostRoot:   opts.HostRoot,
		csvPath:    opts.CSVPath,
		active:     make(map[string]struct{}),
	}, nil
}

// Preflight verifies the host can actually run the GPU stages: container
// client, daemon socket, and a visible device.
func (e *Engine) Preflight(ctx context.Context) error {
	return invoke.Preflight(ctx, e.runner, invoke.DockerSocket)
}

// ValidateSubject checks the four required channels before any stage
// work: each must name an existing NIfTI file or a convertible directory.
func ValidateSubject(s models.Subject) error {
	if s.ID == "" {
		return fmt.Errorf("pipeline: %w: subject id", apperr.ErrInputMissing)
	}
	var missing []string
	for _, ch := range models.RequiredChannels {
		src := s.Channels[ch]
		if src == "" {
			missing = append(missing, ch)
			continue
		}
		info, err := os.Stat(src)
		if err != nil || (!info.IsDir() && !hasNIfTIExt(src)) {
			missing = append(missing, ch)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("pipeline: %w: %s", apperr.ErrInputMissing, strings.Join(missing, ", "))
	}
	return nil
}

func hasNIfTIExt(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// Run executes the full pipeline for one subject and returns the terminal
// run record together with the failure cause, if any. The record is
// persisted at every transition, so a crash leaves an inspectable trail.
func (e *Engine) Run(ctx context.Context, subject models.Subject, cfg models.RunConfig) (models.Run, error) {
	run, _, err := e.exec(ctx, uuid.NewString(), subject, cfg)
	return run, err
}

// Start validates the subject, launches its run in the background, and
// returns the run ID immediately. At most one Start-launched run per
// subject may be in flight; a second request is rejected with a conflict
// before anything is recorded. The run outcome lands in the manifest and
// on the event stream like any other.
func (e *Engine) Start(ctx context.Context, subject models.Subject, cfg models.RunConfig) (string, error) {
	if err := ValidateSubject(subject); err != nil {
		return "", err
	}
	if !e.claim(subject.ID) {
		return "", fmt.Errorf("pipeline: subject %s already has an active run: %w", subject.ID, apperr.ErrConflict)
	}
	id := uuid.NewString()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(subject.ID)
		// exec records its own outcome in the manifest and the event stream.
		_, _, _ = e.exec(ctx, id, subject, cfg)
	}()
	return id, nil
}

// Wait blocks until every Start-launched run has finished. Callers cancel
// the context they passed to Start first; Wait only observes completion.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) claim(subjectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[subjectID]; busy {
		return false
	}
	e.active[subjectID] = struct{}{}
	return true
}

func (e *Engine) release(subjectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, subjectID)
}

func (e *Engine) exec(ctx context.Context, id string, subject models.Subject, cfg models.RunConfig) (models.Run, *models.OverlapReport, error) {
	cfg = cfg.WithDefaults()
	run := models.Run{
		ID:        id,
		SubjectID: subject.ID,
		State:     models.StatePending,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
	}
	e.saveRun(run)
	e.publish(Event{Type: EventRunStarted, RunID: run.ID, SubjectID: subject.ID, State: run.State})

	log := e.log.With(slog.String("run_id", run.ID), slog.String("subject", subject.ID))
	log.Info("run started",
		slog.String("transform", cfg.TransformType),
		slog.Bool("parallel", cfg.Parallel),
	)

	if err := ValidateSubject(subject); err != nil {
		return e.fail(run, nil, "", err)
	}

	store, err := artifact.NewStore(filepath.Join(e.outputRoot, subject.ID), e.recorder())
	if err != nil {
		return e.fail(run, nil, "", err)
	}

	// Stage detail goes to the run's own log file; the engine logger
	// stays operator-facing.
	runLog := log
	var logClose func()
	if p, err := store.Path(artifact.FileRunLog); err == nil {
		if f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			logClose = func() { _ = f.Close() }
			runLog = slog.New(slog.NewJSONHandler(f, nil)).With(
				slog.String("run_id", run.ID),
				slog.String("subject", subject.ID),
			)
		}
	}
	if logClose != nil {
		defer logClose()
	}

	// The host path backing this subject's store, when one is configured.
	hostRoot := ""
	if e.hostRoot != "" {
		hostRoot = filepath.Join(e.hostRoot, subject.ID)
	}

	rc := &stage.RunContext{
		RunID:     run.ID,
		Subject:   subject,
		Config:    cfg,
		Store:     store,
		Runner:    e.runner,
		Slots:     e.slots,
		Gate:      e.gate,
		Tools:     e.tools,
		Reference: e.ref,
		Log:       runLog,
		HostRoot:  hostRoot,
		Overwrite: cfg.Overwrite,
	}
	rc.Normalize()

	for _, st := range stage.All() {
		run.State = stageState[st.Name()]
		run.Stage = st.Name()
		e.saveRun(run)
		e.publish(Event{Type: EventStageStarted, RunID: run.ID, SubjectID: subject.ID, State: run.State, Stage: st.Name()})
		log.Info("stage started", slog.String("stage", st.Name()))

		attempts, err := e.runStage(ctx, st, rc)
		run.Retries += attempts - 1
		if err != nil {
			// Whatever a stage reports after the context died, the run
			// was cancelled and that is what the record should say.
			if ctx.Err() != nil && !errors.Is(err, apperr.ErrCancelled) {
				err = fmt.Errorf("pipeline: %s interrupted: %w", st.Name(), apperr.ErrCancelled)
			}
			return e.fail(run, store, st.Name(), err)
		}
		e.publish(Event{Type: EventStageCompleted, RunID: run.ID, SubjectID: subject.ID, State: run.State, Stage: st.Name()})
		log.Info("stage completed", slog.String("stage", st.Name()), slog.Int("attempts", attempts))
	}

	if rc.Report == nil {
		return e.fail(run, store, stage.NameAnalyze, fmt.Errorf("pipeline: analyzer produced no report"))
	}
	if err := e.finishReport(store, rc.Report); err != nil {
		return e.fail(run, store, stage.NameAnalyze, err)
	}
	if err := store.Housekeeping(cfg.SaveIntermediate); err != nil {
		log.Warn("housekeeping failed", slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	run.State = models.StateCompleted
	run.Stage = ""
	run.FinishedAt = &now
	e.saveRun(run)
	e.publish(Event{Type: EventRunCompleted, RunID: run.ID, SubjectID: subject.ID, State: run.State})
	log.Info("run completed", slog.Duration("elapsed", now.Sub(run.StartedAt)))
	return run, rc.Report, nil
}

// runStage gates, dispatches, and retries one stage. It returns how many
// attempts were consumed.
func (e *Engine) runStage(ctx context.Context, st stage.Stage, rc *stage.RunContext) (int, error) {
	declared := st.Inputs()
	roles := make([]string, len(declared))
	for i, r := range declared {
		roles[i] = r.Name
	}
	inputs, err := rc.Store.Require(rc.Subject.ID, roles...)
	if err != nil {
		return 1, err
	}

	// Central space gate: every declared input must carry its declared
	// tag. Stages never see a mismatched input.
	for _, r := range declared {
		if got := inputs[r.Name].Space; got != r.Space {
			return 1, fmt.Errorf("pipeline: %s input %s: %w: tagged %s, need %s",
				st.Name(), r.Name, apperr.ErrSpaceMismatch, got, r.Space)
		}
	}

	attempts := 1
	if rc.Config.MaxRetries > 0 {
		attempts = rc.Config.MaxRetries + 1
	}
	defer func() { rc.Overwrite = rc.Config.Overwrite }()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			rc.Log.Warn("retrying stage",
				slog.String("stage", st.Name()),
				slog.Int("attempt", attempt),
				slog.String("cause", lastErr.Error()),
			)
			// The failed attempt may have committed some of its roles.
			rc.Overwrite = true
		}
		if _, err := st.Run(ctx, rc, inputs); err == nil {
			return attempt, nil
		} else {
			lastErr = err
			if !retryable(err) || ctx.Err() != nil {
				return attempt, lastErr
			}
		}
	}
	return attempts, lastErr
}

// retryable limits the retry policy to transient failures: an external
// tool crash or resource contention. Everything else either cannot
// succeed on a second attempt or already consumed its own deadline.
func retryable(err error) bool {
	return errors.Is(err, apperr.ErrExternalTool) || errors.Is(err, apperr.ErrResourceUnavailable)
}

func (e *Engine) finishReport(store *artifact.Store, rep *models.OverlapReport) error {
	if e.manifest != nil {
		if err := e.manifest.SaveReport(*rep); err != nil {
			return fmt.Errorf("pipeline: save report: %w", err)
		}
	}
	path, err := store.Path(report.FileReport)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(path, rep); err != nil {
		return err
	}
	return report.AppendCSV(e.csvPath, *rep)
}

// fail finalizes a run in the Failed state and emits the failure record
// both to the manifest and, when a store exists, as JSON in the run dir.
func (e *Engine) fail(run models.Run, store *artifact.Store, stageName string, cause error) (models.Run, *models.OverlapReport, error) {
	kind := apperr.Kind(cause)
	excerpt := ""
	var f *stage.Failure
	if errors.As(cause, &f) {
		if stageName == "" {
			stageName = f.Stage
		}
		excerpt = f.Log
	}

	now := time.Now().UTC()
	run.State = models.StateFailed
	run.Stage = stageName
	run.ErrorKind = kind
	run.Error = cause.Error()
	run.FinishedAt = &now
	e.saveRun(run)

	rec := models.FailureRecord{
		SubjectID:   run.SubjectID,
		RunID:       run.ID,
		FailedStage: stageName,
		ErrorKind:   kind,
		LogExcerpt:  excerpt,
		FailedAt:    now,
	}
	if e.manifest != nil {
		if err := e.manifest.SaveFailure(rec); err != nil {
			e.log.Error("save failure record", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}
	if store != nil {
		if path, err := store.Path(report.FileFailure); err == nil {
			if err := report.WriteJSON(path, rec); err != nil {
				e.log.Error("write failure report", slog.String("run_id", run.ID), slog.String("error", err.Error()))
			}
		}
	}

	if stageName != "" {
		e.publish(Event{Type: EventStageFailed, RunID: run.ID, SubjectID: run.SubjectID, State: run.State, Stage: stageName, Error: kind})
	}
	e.publish(Event{Type: EventRunFailed, RunID: run.ID, SubjectID: run.SubjectID, State: run.State, Stage: stageName, Error: kind})
	e.log.Error("run failed",
		slog.String("run_id", run.ID),
		slog.String("subject", run.SubjectID),
		slog.String("stage", stageName),
		slog.String("kind", kind),
	)
	return run, nil, cause
}

func (e *Engine) saveRun(run models.Run) {
	if e.manifest == nil {
		return
	}
	if err := e.manifest.SaveRun(run); err != nil {
		e.log.Error("save run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ev Event) {
	ev.At = time.Now().UTC()
	e.pub.Publish(ev)
}

func (e *Engine) recorder() artifact.Recorder {
	if e.manifest == nil {
		return nil
	}
	return e.manifest
}
