package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/stage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Paths     PathsConfig       `yaml:"paths"`
	Manifest  ManifestConfig    `yaml:"manifest"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Tools     stage.Tools       `yaml:"tools"`
	Reference ReferenceConfig   `yaml:"reference"`
	GPU       GPUConfig         `yaml:"gpu"`
	Inbox     InboxConfig       `yaml:"inbox"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Paths.Validate(); err != nil {
		return err
	}
	if err := c.Manifest.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.GPU.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// PathsConfig holds the filesystem roots the pipeline works under.
//
// HostOutputRoot is the host path backing OutputRoot when the orchestrator
// itself runs inside a container; bind mounts for nested tools are built
// from it. Empty means OutputRoot already is a host path. CSVPath defaults
// to the aggregate sheet inside OutputRoot when empty.
type PathsConfig struct {
	InputRoot      string `yaml:"input_root"`
	OutputRoot     string `yaml:"output_root"`
	HostOutputRoot string `yaml:"host_output_root"`
	CSVPath        string `yaml:"csv_path"`
}

// Validate validates the paths configuration.
func (c *PathsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.InputRoot, validation.Required),
		validation.Field(&c.OutputRoot, validation.Required),
	)
}

// ManifestConfig holds the run manifest database location.
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the manifest configuration.
func (c *ManifestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// PipelineConfig holds the run defaults applied when a request does not
// override them.
type PipelineConfig struct {
	TransformType       string        `yaml:"transform_type"`
	OverlapThreshold    float64       `yaml:"overlap_threshold"`
	Parallel            bool          `yaml:"parallel"`
	SaveIntermediate    bool          `yaml:"save_intermediate"`
	MaxRetries          int           `yaml:"max_retries"`
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	SegmentationTimeout time.Duration `yaml:"segmentation_timeout"`
	Workers             int           `yaml:"workers"`
}

// Validate validates the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TransformType, validation.In("Rigid", "Affine", "SyN")),
		validation.Field(&c.OverlapThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.StageTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.SegmentationTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

// RunConfig converts the configured defaults into a run-scoped config.
func (c *PipelineConfig) RunConfig() models.RunConfig {
	return models.RunConfig{
		TransformType:       c.TransformType,
		Parallel:            c.Parallel,
		SaveIntermediate:    c.SaveIntermediate,
		OverlapThreshold:    c.OverlapThreshold,
		StageTimeout:        c.StageTimeout,
		SegmentationTimeout: c.SegmentationTimeout,
		MaxRetries:          c.MaxRetries,
	}
}

// ReferenceConfig holds the standard-space asset locations. Empty paths
// fall back to the locations baked into the orchestrator image.
type ReferenceConfig struct {
	TemplatePath string `yaml:"template_path"`
	MaskPath     string `yaml:"mask_path"`
}

// GPUConfig holds GPU capacity configuration.
type GPUConfig struct {
	Slots int `yaml:"slots"`
}

// Validate validates the GPU configuration.
func (c *GPUConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Slots, validation.Min(0)),
	)
}

// InboxConfig holds the optional watched drop folder. A subject directory
// appearing under Path is enqueued as a new run once it has stopped
// changing for Settle. Empty Path disables the watcher.
type InboxConfig struct {
	Path   string        `yaml:"path"`
	Settle time.Duration `yaml:"settle"`
}

// Enabled returns true when the inbox watcher should run.
func (c *InboxConfig) Enabled() bool {
	return c.Path != ""
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Paths: PathsConfig{
			InputRoot:  "./input",
			OutputRoot: "./output",
		},
		Manifest: ManifestConfig{
			Path: "./cpspflow.db",
		},
		Pipeline: PipelineConfig{
			TransformType:    models.DefaultTransformType,
			OverlapThreshold: models.DefaultOverlapThreshold,
			Workers:          1,
		},
		GPU: GPUConfig{
			Slots: 1,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
