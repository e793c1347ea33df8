package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration invariants that normalization cannot repair.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		problems = append(problems, "paths.output_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must be set")
	}
	if c.Render.MaxConcurrency < 1 {
		problems = append(problems, "render.max_concurrency must be at least 1")
	}
	if c.Render.TickIntervalMS < 10 || c.Render.TickIntervalMS > 5000 {
		problems = append(problems, "render.tick_interval_ms must be between 10 and 5000")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported (console, json)", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
