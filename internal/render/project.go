package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"rendermill/internal/services"
)

// ChunksSubdir is the directory beneath the project output dir that holds
// per-chunk video files and the concat manifest.
const ChunksSubdir = "chunks"

// AfterRenderAction selects which post-processing steps run once all chunks
// finish. The zero value means no post-processing.
type AfterRenderAction uint8

const (
	// ActionMixdown extracts the project's audio track into a standalone file.
	ActionMixdown AfterRenderAction = 1 << iota
	// ActionJoin concatenates the chunk files into one final video.
	ActionJoin
)

// ActionNothing requests no post-processing.
const ActionNothing AfterRenderAction = 0

// Has reports whether flag is part of the action set.
func (a AfterRenderAction) Has(flag AfterRenderAction) bool {
	return a&flag != 0
}

func (a AfterRenderAction) String() string {
	switch {
	case a.Has(ActionMixdown) && a.Has(ActionJoin):
		return "mixdown+join"
	case a.Has(ActionMixdown):
		return "mixdown"
	case a.Has(ActionJoin):
		return "join"
	default:
		return "nothing"
	}
}

// Project is the immutable description of one render run. It is owned by the
// caller and must not be mutated between Engine.Setup and the end of the run.
type Project struct {
	BlendFile      string
	OutputDir      string
	Name           string
	Renderer       string
	AudioCodec     string
	Duration       time.Duration
	MaxConcurrency int
	Chunks         []Chunk
}

// Validate checks the project invariants the engine depends on.
func (p *Project) Validate() error {
	if p == nil {
		return services.Wrap(services.ErrValidation, "project", "validate", "project is nil", nil)
	}
	if strings.TrimSpace(p.BlendFile) == "" {
		return services.Wrap(services.ErrValidation, "project", "validate", "blend file path is empty", nil)
	}
	if strings.TrimSpace(p.OutputDir) == "" {
		return services.Wrap(services.ErrValidation, "project", "validate", "output directory is empty", nil)
	}
	if strings.TrimSpace(p.Name) == "" {
		return services.Wrap(services.ErrValidation, "project", "validate", "project name is empty", nil)
	}
	if p.MaxConcurrency < 1 {
		return services.Wrap(services.ErrValidation, "project", "validate", fmt.Sprintf("max concurrency %d must be positive", p.MaxConcurrency), nil)
	}
	return ValidateChunks(p.Chunks)
}

// ChunksDir returns the directory chunk files are rendered into.
func (p *Project) ChunksDir() string {
	return filepath.Join(p.OutputDir, ChunksSubdir)
}

// FrameRange returns the first and last frame covered by the chunk sequence.
func (p *Project) FrameRange() (int, int) {
	if len(p.Chunks) == 0 {
		return 0, 0
	}
	return p.Chunks[0].Start, p.Chunks[len(p.Chunks)-1].End
}

// TotalFrames returns the number of frames across all chunks.
func (p *Project) TotalFrames() int {
	return TotalFrames(p.Chunks)
}

// MixdownPath returns the audio file the mixdown step produces.
func (p *Project) MixdownPath() string {
	return filepath.Join(p.OutputDir, p.Name+"."+MixdownExtension(p.AudioCodec))
}

// ProjectNameFromBlendFile derives a project name from a .blend file name:
// separators become spaces and words are title-cased.
func ProjectNameFromBlendFile(blendFile string) string {
	base := strings.TrimSuffix(filepath.Base(blendFile), filepath.Ext(blendFile))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		return "Untitled"
	}
	return cases.Title(language.English).String(base)
}

// MixdownExtension maps the project audio codec to the container extension
// Blender writes for a mixdown: PCM produces wav, VORBIS produces ogg, an
// unset codec falls back to ac3, and anything else uses the codec name
// lower-cased.
func MixdownExtension(codec string) string {
	switch strings.ToUpper(strings.TrimSpace(codec)) {
	case "PCM":
		return "wav"
	case "VORBIS":
		return "ogg"
	case "", "NONE":
		return "ac3"
	default:
		return strings.ToLower(strings.TrimSpace(codec))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
