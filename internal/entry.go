// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/calveira/cpspflow/internal/api"
	"github.com/calveira/cpspflow/internal/gpu"
	"github.com/calveira/cpspflow/internal/inbox"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/pipeline"
	"github.com/calveira/cpspflow/internal/reference"
	"github.com/calveira/cpspflow/internal/sse"
)

// Run starts the serving application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("input_root", cfg.Paths.InputRoot),
		slog.String("output_root", cfg.Paths.OutputRoot),
		slog.String("manifest_path", cfg.Manifest.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure the filesystem roots exist.
	if err := os.MkdirAll(cfg.Paths.InputRoot, 0o755); err != nil {
		return fmt.Errorf("create input root: %w", err)
	}
	if cfg.Inbox.Enabled() {
		if err := os.MkdirAll(cfg.Inbox.Path, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}

	// Initialize the run manifest.
	db, err := manifest.Open(cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("init manifest: %w", err)
	}
	defer db.Close()

	// Resolve and verify the standard-space reference assets.
	ref, err := reference.Load(cfg.Reference.TemplatePath, cfg.Reference.MaskPath)
	if err != nil {
		return fmt.Errorf("load reference assets: %w", err)
	}
	if err := ref.Verify(); err != nil {
		return fmt.Errorf("verify symptom mask: %w", err)
	}
	logger.Info("reference assets loaded",
		slog.String("template", ref.TemplatePath),
		slog.String("template_citation", ref.TemplateCitation),
		slog.String("mask", ref.MaskPath),
		slog.String("mask_citation", ref.MaskCitation))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	// Pipeline engine.
	engine, err := pipeline.NewEngine(pipeline.Options{
		Manifest:   db,
		Slots:      gpu.NewSlots(cfg.GPU.Slots),
		Gate:       gpu.NewGate(),
		Runner:     invoke.NewRunner(0, logger),
		Reference:  ref,
		Tools:      cfg.Tools,
		Publisher:  sse.RunEvents{Broker: broker},
		Logger:     logger,
		OutputRoot: cfg.Paths.OutputRoot,
		HostRoot:   cfg.Paths.HostOutputRoot,
		CSVPath:    cfg.Paths.CSVPath,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	if err := engine.Preflight(ctx); err != nil {
		logger.Warn("GPU preflight failed; segmentation stages will fail until resolved",
			slog.String("error", err.Error()))
	}

	// runCtx bounds every run launched while serving. Shutdown cancels it
	// so in-flight tool invocations are torn down with the server.
	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	// Build API service and router.
	svc := api.NewService(runCtx, db, engine, cfg.Paths.InputRoot, cfg.Pipeline.RunConfig())
	apiRouter := api.NewRouter(svc, cfg.Paths.OutputRoot, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start the inbox watcher when configured.
	if cfg.Inbox.Enabled() {
		g.Go(func() error {
			watchErr := inbox.Watch(runCtx, cfg.Inbox.Path, cfg.Inbox.Settle, logger, func(subjectID string) {
				subject, loadErr := pipeline.LoadSubject(cfg.Inbox.Path, subjectID)
				if loadErr != nil {
					logger.Warn("inbox: subject rejected",
						slog.String("subject", subjectID),
						slog.String("error", loadErr.Error()))
					return
				}
				runID, startErr := engine.Start(runCtx, subject, cfg.Pipeline.RunConfig())
				if startErr != nil {
					logger.Warn("inbox: enqueue failed",
						slog.String("subject", subjectID),
						slog.String("error", startErr.Error()))
					return
				}
				logger.Info("inbox: run enqueued",
					slog.String("subject", subjectID),
					slog.String("run_id", runID))
			})
			if watchErr != nil {
				return fmt.Errorf("inbox watcher: %w", watchErr)
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancelRuns()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	waitErr := g.Wait()

	// Let cancelled background runs record their terminal state before the
	// manifest closes.
	engine.Wait()

	if waitErr != nil {
		logger.Error("Application error", slog.String("error", waitErr.Error()))
		return waitErr
	}

	logger.Info("Server stopped successfully")
	return nil
}
