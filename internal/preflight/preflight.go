package preflight

import (
	"context"

	"rendermill/internal/config"
	"rendermill/internal/deps"
)

// Result captures the outcome of one preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Report aggregates everything the status command and the render command
// inspect before starting work.
type Report struct {
	Binaries []deps.Status
	Checks   []Result
}

// Ready reports whether every non-optional check passed.
func (r Report) Ready() bool {
	for _, status := range r.Binaries {
		if !status.Optional && !status.Available {
			return false
		}
	}
	for _, check := range r.Checks {
		if !check.Passed {
			return false
		}
	}
	return true
}

// Run evaluates binary availability plus output directory access and free
// space for the given configuration.
func Run(ctx context.Context, cfg *config.Config) Report {
	report := Report{
		Binaries: CheckSystemDeps(ctx, cfg),
	}
	report.Checks = append(report.Checks, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	report.Checks = append(report.Checks, CheckDiskSpace("Output free space", cfg.Paths.OutputDir, minFreeBytes))
	return report
}

// CheckSystemDeps evaluates the external binaries for the given config. Both
// the status command and the render command use this to avoid duplicating the
// requirements list.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "Blender",
			Command:     cfg.BlenderBinary(),
			Description: "Renders frame chunks",
		},
		{
			Name:        "FFmpeg",
			Command:     cfg.FFmpegBinary(),
			Description: "Joins chunk files and mixes audio",
		},
	}
	return deps.CheckBinaries(requirements)
}
