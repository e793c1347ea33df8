package config

const (
	defaultOutputDir      = "~/renders"
	defaultLogDir         = "~/.local/share/rendermill/logs"
	defaultDataDir        = "~/.local/share/rendermill"
	defaultRenderer       = "CYCLES"
	defaultTickIntervalMS = 100
	defaultAudioCodec     = "AAC"
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultNotifyTimeout  = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			DataDir:   defaultDataDir,
		},
		Tools: Tools{
			Blender: "blender",
			FFmpeg:  "ffmpeg",
		},
		Render: Render{
			MaxConcurrency: 0, // 0 = logical CPU count
			TickIntervalMS: defaultTickIntervalMS,
			Renderer:       defaultRenderer,
			Mixdown:        true,
			Join:           true,
			AudioCodec:     defaultAudioCodec,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Renders:        true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
