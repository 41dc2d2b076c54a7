package internal

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestPathsConfig_RequiresRoots(t *testing.T) {
	cfg := PathsConfig{InputRoot: "", OutputRoot: "./out"}
	if err := cfg.Validate(); err == nil {
		t.Error("empty input root should fail validation")
	}
	cfg = PathsConfig{InputRoot: "./in", OutputRoot: ""}
	if err := cfg.Validate(); err == nil {
		t.Error("empty output root should fail validation")
	}
}

func TestPipelineConfig_RejectsUnknownTransform(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Pipeline.TransformType = "Banana"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown transform type should fail validation")
	}
}

func TestPipelineConfig_RejectsThresholdOutOfRange(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Pipeline.OverlapThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("threshold above 1 should fail validation")
	}
}

func TestPipelineConfig_RunConfigMapping(t *testing.T) {
	pc := PipelineConfig{
		TransformType:       "SyN",
		OverlapThreshold:    0.7,
		Parallel:            true,
		SaveIntermediate:    true,
		MaxRetries:          2,
		StageTimeout:        30 * time.Minute,
		SegmentationTimeout: 2 * time.Hour,
		Workers:             4,
	}
	rc := pc.RunConfig()
	if rc.TransformType != "SyN" || rc.OverlapThreshold != 0.7 {
		t.Errorf("run config mismatch: %+v", rc)
	}
	if !rc.Parallel || !rc.SaveIntermediate {
		t.Errorf("booleans lost: %+v", rc)
	}
	if rc.MaxRetries != 2 || rc.StageTimeout != 30*time.Minute || rc.SegmentationTimeout != 2*time.Hour {
		t.Errorf("limits lost: %+v", rc)
	}
}

func TestInboxConfig_Enabled(t *testing.T) {
	cfg := InboxConfig{}
	if cfg.Enabled() {
		t.Error("empty path should disable the inbox")
	}
	cfg.Path = "./inbox"
	if !cfg.Enabled() {
		t.Error("set path should enable the inbox")
	}
}
