package services_test

import (
	"errors"
	"strings"
	"testing"

	"rendermill/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("exit status 1")
	err := services.Wrap(services.ErrExternalTool, "concat", "ffmpeg", "joining chunks failed", base)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to survive, got %v", err)
	}
	for _, want := range []string{"concat", "ffmpeg", "joining chunks failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestIsConfigurationError(t *testing.T) {
	if !services.IsConfigurationError(services.Wrap(services.ErrConfiguration, "render", "start", "blender missing", nil)) {
		t.Fatal("configuration marker not detected")
	}
	if !services.IsConfigurationError(services.Wrap(services.ErrValidation, "render", "setup", "empty chunk list", nil)) {
		t.Fatal("validation marker not detected")
	}
	if services.IsConfigurationError(services.Wrap(services.ErrExternalTool, "render", "chunk", "", nil)) {
		t.Fatal("external tool marker misclassified")
	}
}
