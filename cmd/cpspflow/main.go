package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/calveira/cpspflow/internal"
	"github.com/calveira/cpspflow/internal/gpu"
	"github.com/calveira/cpspflow/internal/invoke"
	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/mcpserver"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/overlap"
	"github.com/calveira/cpspflow/internal/pipeline"
	"github.com/calveira/cpspflow/internal/reference"
	"github.com/calveira/cpspflow/internal/report"
	pkgconfig "github.com/calveira/cpspflow/pkg/config"
)

// channelFlags maps each required channel role onto its filename flag.
var channelFlags = map[string]string{
	models.ChannelB0:    "dwi-b0",
	models.ChannelB1000: "dwi-b1000",
	models.ChannelADC:   "adc",
	models.ChannelFLAIR: "flair",
}

func newLogger(w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

// pipelineFlags are shared between the run and batch commands.
func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "output-dir",
			Usage:    "Output directory (absolute path)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "csv-result-path",
			Usage: "CSV sheet results are appended to (default: cpsp_results.csv in the output dir)",
		},
		&cli.StringFlag{
			Name:    "symptom-mask",
			Usage:   "Path to the hemisphere-labeled symptom mask (default: bundled mask)",
			Sources: cli.EnvVars("CPSP_MASK"),
		},
		&cli.StringFlag{
			Name:    "mni-template",
			Usage:   "Path to the MNI template (default: bundled template)",
			Sources: cli.EnvVars("MNI_TEMPLATE"),
		},
		&cli.StringFlag{
			Name:    "host-output-dir",
			Usage:   "Host path backing the output dir when this orchestrator runs containerized",
			Sources: cli.EnvVars("HOST_OUTPUT_DIR"),
		},
		&cli.StringFlag{
			Name:  "transform-type",
			Usage: "Transformation type for standard-space mapping (Rigid, Affine, SyN)",
			Value: models.DefaultTransformType,
		},
		&cli.FloatFlag{
			Name:  "thr-analysis",
			Usage: "Lesion-symptom overlap threshold",
			Value: models.DefaultOverlapThreshold,
		},
		&cli.BoolFlag{
			Name:  "save-intermediate",
			Usage: "Keep intermediate files",
		},
		&cli.BoolFlag{
			Name:  "parallelize",
			Usage: "Run independent per-channel work concurrently",
		},
		&cli.BoolFlag{
			Name:  "overwrite",
			Usage: "Replace artifacts left by a previous run of the same subject",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Usage: "Retries per stage for transient tool failures",
		},
		&cli.DurationFlag{
			Name:  "stage-timeout",
			Usage: "Deadline per preprocessing tool invocation (0 disables)",
		},
		&cli.DurationFlag{
			Name:  "segmentation-timeout",
			Usage: "Deadline for the segmentation container (0 disables)",
		},
		&cli.StringFlag{
			Name:  "manifest",
			Usage: "Run manifest database path (empty: do not record)",
		},
	}
}

func runConfigFromFlags(cmd *cli.Command) models.RunConfig {
	return models.RunConfig{
		TransformType:       cmd.String("transform-type"),
		Parallel:            cmd.Bool("parallelize"),
		SaveIntermediate:    cmd.Bool("save-intermediate"),
		Overwrite:           cmd.Bool("overwrite"),
		OverlapThreshold:    cmd.Float("thr-analysis"),
		StageTimeout:        cmd.Duration("stage-timeout"),
		SegmentationTimeout: cmd.Duration("segmentation-timeout"),
		MaxRetries:          int(cmd.Int("max-retries")),
	}
}

// newEngine assembles an engine from the shared pipeline flags. The
// returned cleanup closes the manifest when one was opened.
func newEngine(cmd *cli.Command, logger *slog.Logger, slots int) (*pipeline.Engine, func(), error) {
	ref, err := reference.Load(cmd.String("mni-template"), cmd.String("symptom-mask"))
	if err != nil {
		return nil, nil, err
	}
	if err := ref.Verify(); err != nil {
		return nil, nil, err
	}

	opts := pipeline.Options{
		Slots:      gpu.NewSlots(slots),
		Gate:       gpu.NewGate(),
		Runner:     invoke.NewRunner(0, logger),
		Reference:  ref,
		Logger:     logger,
		OutputRoot: cmd.String("output-dir"),
		HostRoot:   cmd.String("host-output-dir"),
		CSVPath:    cmd.String("csv-result-path"),
	}

	cleanup := func() {}
	if path := cmd.String("manifest"); path != "" {
		db, openErr := manifest.Open(path)
		if openErr != nil {
			return nil, nil, openErr
		}
		opts.Manifest = db
		cleanup = func() { _ = db.Close() }
	}

	engine, err := pipeline.NewEngine(opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stdout)

	cfg := runConfigFromFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	subjectDir := filepath.Clean(cmd.String("input-dir"))
	subject, err := pipeline.LoadSubject(filepath.Dir(subjectDir), filepath.Base(subjectDir))
	if err != nil {
		return err
	}
	// Explicit filenames override the by-name binding.
	for role, flag := range channelFlags {
		if name := cmd.String(flag); name != "" {
			subject.Channels[role] = filepath.Join(subjectDir, name)
		}
	}

	engine, cleanup, err := newEngine(cmd, logger, 1)
	if err != nil {
		return err
	}
	defer cleanup()

	// The GPU stack must work before any subject work starts.
	if err := engine.Preflight(ctx); err != nil {
		return err
	}

	run, err := engine.Run(ctx, subject, cfg)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", run.ID, err)
	}
	logger.Info("report written",
		slog.String("run_id", run.ID),
		slog.String("path", filepath.Join(cmd.String("output-dir"), subject.ID, report.FileReport)))
	return nil
}

func batchAction(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stdout)

	cfg := runConfigFromFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	root := cmd.String("input-dir")
	subjects, err := pipeline.DiscoverSubjects(root)
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		return fmt.Errorf("no subject directories under %s", root)
	}

	engine, cleanup, err := newEngine(cmd, logger, int(cmd.Int("gpu-slots")))
	if err != nil {
		return err
	}
	defer cleanup()

	if err := engine.Preflight(ctx); err != nil {
		return err
	}

	summary, err := engine.RunBatch(ctx, subjects, cfg, int(cmd.Int("workers")))
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// loadConfig reads the config file into the defaults. An explicitly
// requested file must exist; the default location may be absent.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	path := cmd.String("config")
	if cmd.IsSet("config") {
		if err := pkgconfig.Load(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return cfg, nil
	}
	if err := pkgconfig.LoadOptional(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := newLogger(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := manifest.Open(cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("init manifest: %w", err)
	}
	defer db.Close()

	ref, err := reference.Load(cfg.Reference.TemplatePath, cfg.Reference.MaskPath)
	if err != nil {
		return fmt.Errorf("load reference assets: %w", err)
	}
	if err := ref.Verify(); err != nil {
		return fmt.Errorf("verify symptom mask: %w", err)
	}

	engine, err := pipeline.NewEngine(pipeline.Options{
		Manifest:   db,
		Slots:      gpu.NewSlots(cfg.GPU.Slots),
		Gate:       gpu.NewGate(),
		Runner:     invoke.NewRunner(0, logger),
		Reference:  ref,
		Tools:      cfg.Tools,
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

	srv := mcpserver.New(ctx, db, engine, cfg.Paths.InputRoot, cfg.Pipeline.RunConfig())
	logger.Info("MCP server starting on stdio")
	serveErr := srv.ServeStdio()

	// Runs started over MCP keep going after the client disconnects; let
	// them record their outcome before the manifest closes.
	engine.Wait()

	if serveErr != nil {
		return fmt.Errorf("mcp server: %w", serveErr)
	}
	return nil
}

func runsAction(_ context.Context, cmd *cli.Command) error {
	db, err := manifest.Open(cmd.String("manifest"))
	if err != nil {
		return err
	}
	defer db.Close()

	if id := cmd.Args().First(); id != "" {
		return printRunDetail(db, id)
	}

	runs, err := db.ListRuns(cmd.String("state"), int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return printJSON(runs)
}

// printRunDetail emits everything the manifest holds about one run.
func printRunDetail(db *manifest.DB, id string) error {
	run, err := db.GetRun(id)
	if err != nil {
		return err
	}
	detail := map[string]any{"run": run}
	if rep, err := db.GetReport(id); err == nil {
		detail["report"] = rep
	}
	if rec, err := db.GetFailure(id); err == nil {
		detail["failure"] = rec
	}
	if arts, err := db.Artifacts(id); err == nil && len(arts) > 0 {
		detail["artifacts"] = arts
	}
	return printJSON(detail)
}

func mirrorMaskAction(_ context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stdout)

	src, err := nifti.Read(cmd.String("source"))
	if err != nil {
		return err
	}
	out := overlap.Mirror(src)
	if err := nifti.Write(cmd.String("dest"), out); err != nil {
		return err
	}
	logger.Info("mirrored mask written",
		slog.String("source", cmd.String("source")),
		slog.String("dest", cmd.String("dest")))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "cpspflow",
		Usage: "CPSP MRI preprocessing and lesion-symptom analysis pipeline",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Process one subject end to end",
				Action: runAction,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "input-dir",
						Usage:    "Folder containing the subject's NIfTI or DICOM files",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "dwi-b0",
						Usage: "Filename for DWI b0 inside the subject dir (default: bind by name)",
					},
					&cli.StringFlag{
						Name:  "dwi-b1000",
						Usage: "Filename for DWI b1000 inside the subject dir (default: bind by name)",
					},
					&cli.StringFlag{
						Name:  "adc",
						Usage: "Filename for ADC inside the subject dir (default: bind by name)",
					},
					&cli.StringFlag{
						Name:  "flair",
						Usage: "Filename for FLAIR inside the subject dir (default: bind by name)",
					},
				}, pipelineFlags()...),
			},
			{
				Name:   "batch",
				Usage:  "Process every subject directory under an input root",
				Action: batchAction,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "input-dir",
						Usage:    "Root folder holding one directory per subject",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent subject runs",
						Value: 1,
					},
					&cli.IntFlag{
						Name:  "gpu-slots",
						Usage: "GPU devices available to concurrent runs",
						Value: 1,
					},
				}, pipelineFlags()...),
			},
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, SSE event stream, and inbox watcher",
				Action: serveAction,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:   "mcp",
				Usage:  "Expose pipeline tools to LLM clients over stdio",
				Action: mcpAction,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:      "runs",
				Usage:     "List recorded runs, or show one run with its report and artifacts",
				ArgsUsage: "[run-id]",
				Action:    runsAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "manifest",
						Usage: "Run manifest database path",
						Value: "./cpspflow.db",
					},
					&cli.StringFlag{
						Name:  "state",
						Usage: "Filter by run state",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum rows to list",
						Value: 100,
					},
				},
			},
			{
				Name:   "mirror-mask",
				Usage:  "Build the bilateral left=1/right=2 symptom mask from a single-sided mask",
				Action: mirrorMaskAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Usage:    "Single-hemisphere mask volume",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dest",
						Usage:    "Destination for the combined mask",
						Required: true,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
