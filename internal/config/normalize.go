package config

import (
	"runtime"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}

	c.Tools.Blender = strings.TrimSpace(c.Tools.Blender)
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)

	c.Render.Renderer = strings.ToUpper(strings.TrimSpace(c.Render.Renderer))
	if c.Render.Renderer == "" {
		c.Render.Renderer = defaultRenderer
	}
	if c.Render.MaxConcurrency <= 0 {
		c.Render.MaxConcurrency = runtime.NumCPU()
	}
	if c.Render.TickIntervalMS <= 0 {
		c.Render.TickIntervalMS = defaultTickIntervalMS
	}
	c.Render.AudioCodec = strings.ToUpper(strings.TrimSpace(c.Render.AudioCodec))

	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	return nil
}
