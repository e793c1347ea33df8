package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"rendermill/internal/config"
)

func TestLoadDefaultsExpandPathsAndFillConcurrency(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	if cfg.Paths.OutputDir != filepath.Join(tempHome, "renders") {
		t.Fatalf("unexpected output dir: %q", cfg.Paths.OutputDir)
	}
	if cfg.Paths.LogDir != filepath.Join(tempHome, ".local", "share", "rendermill", "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if cfg.Render.MaxConcurrency != runtime.NumCPU() {
		t.Fatalf("expected concurrency %d, got %d", runtime.NumCPU(), cfg.Render.MaxConcurrency)
	}
	if cfg.Render.TickIntervalMS != 100 {
		t.Fatalf("unexpected tick interval: %d", cfg.Render.TickIntervalMS)
	}
	if cfg.Render.Renderer != "CYCLES" {
		t.Fatalf("unexpected renderer default: %q", cfg.Render.Renderer)
	}
	if !cfg.Render.Mixdown || !cfg.Render.Join {
		t.Fatal("expected after-render defaults enabled")
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadParsesExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
output_dir = "` + filepath.Join(dir, "out") + `"

[render]
max_concurrency = 3
renderer = "eevee"

[logging]
format = "json"
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected resolved existing path %q, got %q exists=%v", path, resolved, exists)
	}
	if cfg.Render.MaxConcurrency != 3 {
		t.Fatalf("unexpected concurrency: %d", cfg.Render.MaxConcurrency)
	}
	if cfg.Render.Renderer != "EEVEE" {
		t.Fatalf("expected renderer upper-cased, got %q", cfg.Render.Renderer)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("unexpected format: %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.OutputDir = ""
	cfg.Render.MaxConcurrency = 4
	cfg.Render.TickIntervalMS = 100
	cfg.Logging.Format = "console"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "output_dir") {
		t.Fatalf("expected output_dir complaint, got %v", err)
	}

	cfg = config.Default()
	cfg.Render.MaxConcurrency = 4
	cfg.Render.TickIntervalMS = 1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tick_interval_ms") {
		t.Fatalf("expected tick interval complaint, got %v", err)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Render.Renderer != "CYCLES" {
		t.Fatalf("unexpected renderer from sample: %q", cfg.Render.Renderer)
	}
}
