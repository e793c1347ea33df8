package preflight_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rendermill/internal/preflight"
	"rendermill/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	result := preflight.CheckDirectoryAccess("Output directory", dir)
	if !result.Passed {
		t.Fatalf("expected writable temp dir to pass: %+v", result)
	}

	missing := preflight.CheckDirectoryAccess("Output directory", filepath.Join(dir, "nope"))
	if missing.Passed {
		t.Fatal("expected missing directory to fail")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	notDir := preflight.CheckDirectoryAccess("Output directory", file)
	if notDir.Passed {
		t.Fatal("expected plain file to fail")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()
	if result := preflight.CheckDiskSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected 1 byte requirement to pass: %+v", result)
	}
	if result := preflight.CheckDiskSpace("space", dir, 1<<62); result.Passed {
		t.Fatal("expected absurd requirement to fail")
	}
}

func TestRunReadyWithStubbedBinaries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	report := preflight.Run(context.Background(), cfg)
	if !report.Ready() {
		t.Fatalf("expected ready report, got %+v", report)
	}
}
