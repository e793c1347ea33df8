package render_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rendermill/internal/render"
	"rendermill/internal/services"
	"rendermill/internal/testsupport"
)

func TestDiscoverChunkFilesSortsByStartFrame(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"scene-101-200.mp4",
		"scene-1-100.mp4",
		"scene-201-300.mp4",
	} {
		testsupport.WriteFile(t, filepath.Join(dir, name), 1)
	}

	files, err := render.DiscoverChunkFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverChunkFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	wantStarts := []int{1, 101, 201}
	for i, file := range files {
		if file.Start != wantStarts[i] {
			t.Errorf("file %d start = %d, want %d", i, file.Start, wantStarts[i])
		}
	}
}

func TestDiscoverChunkFilesSkipsNonChunkEntries(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "scene-1-100.mkv"), 1)
	testsupport.WriteFile(t, filepath.Join(dir, "chunklist.txt"), 1)
	testsupport.WriteFile(t, filepath.Join(dir, "scene.mp4"), 1)
	testsupport.WriteFile(t, filepath.Join(dir, "scene-abc-def.mp4"), 1)
	testsupport.WriteFile(t, filepath.Join(dir, "notes-1-100.log"), 1)
	if err := os.Mkdir(filepath.Join(dir, "sub-1-100.mp4"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := render.DiscoverChunkFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverChunkFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want only the well-formed chunk", len(files))
	}
	if filepath.Base(files[0].Path) != "scene-1-100.mkv" {
		t.Fatalf("unexpected file %s", files[0].Path)
	}
}

func TestDiscoverChunkFilesErrorsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "readme.txt"), 1)

	_, err := render.DiscoverChunkFiles(dir)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestDataDirScriptsDeploysAndRefreshes(t *testing.T) {
	dir := t.TempDir()
	provider := render.DataDirScripts{Dir: dir}

	path, err := provider.MixdownScript()
	if err != nil {
		t.Fatalf("MixdownScript: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read deployed script: %v", err)
	}
	if len(content) == 0 {
		t.Fatal("deployed script is empty")
	}

	// A stale on-disk copy is replaced on next resolution.
	if err := os.WriteFile(path, []byte("print('stale')\n"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if _, err := provider.MixdownScript(); err != nil {
		t.Fatalf("MixdownScript refresh: %v", err)
	}
	refreshed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read refreshed script: %v", err)
	}
	if string(refreshed) == "print('stale')\n" {
		t.Fatal("stale script was not refreshed")
	}
}
