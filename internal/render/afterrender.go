package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rendermill/internal/logging"
	"rendermill/internal/services"
)

// ManifestName is the concat demuxer input file written into the chunk
// directory before joining.
const ManifestName = "chunklist.txt"

var videoExtensions = map[string]struct{}{
	".avi":  {},
	".flv":  {},
	".m4v":  {},
	".mkv":  {},
	".mov":  {},
	".mp4":  {},
	".mpeg": {},
	".mpg":  {},
	".ogv":  {},
	".webm": {},
}

// ChunkFile is a rendered chunk video discovered in the chunk directory.
type ChunkFile struct {
	Path  string
	Start int
}

// DiscoverChunkFiles scans dir for chunk videos named
// "<name>-<start>-<end>.<ext>" and returns them sorted by start frame.
// Files whose names do not match the pattern are skipped; an empty result is
// an error because concat would produce nothing.
func DiscoverChunkFiles(dir string) ([]ChunkFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "concat", "discover-chunks", "read chunk directory", err)
	}

	var files []ChunkFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		start, ok := chunkStartFrame(entry.Name())
		if !ok {
			continue
		}
		files = append(files, ChunkFile{Path: filepath.Join(dir, entry.Name()), Start: start})
	}
	if len(files) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "concat", "discover-chunks",
			fmt.Sprintf("no chunk video files found in %s", dir), nil)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Start < files[j].Start })
	return files, nil
}

// chunkStartFrame extracts the start frame from a chunk file name. The name
// must have a known video extension and at least three dash-separated fields,
// with the second-to-last being the numeric start frame.
func chunkStartFrame(name string) (int, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := videoExtensions[ext]; !ok {
		return 0, false
	}
	fields := strings.Split(strings.TrimSuffix(name, filepath.Ext(name)), "-")
	if len(fields) < 3 {
		return 0, false
	}
	start, err := strconv.Atoi(fields[len(fields)-2])
	if err != nil {
		return 0, false
	}
	return start, true
}

// writeManifest writes the ffmpeg concat demuxer input listing the chunk
// files in play order. Paths are absolute so ffmpeg's working directory does
// not matter.
func writeManifest(dir string, files []ChunkFile) (string, error) {
	var buf bytes.Buffer
	for _, file := range files {
		abs, err := filepath.Abs(file.Path)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "concat", "write-manifest", "resolve chunk path", err)
		}
		fmt.Fprintf(&buf, "file '%s'\n", abs)
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", services.Wrap(services.ErrTransient, "concat", "write-manifest", "write manifest", err)
	}
	return path, nil
}

// afterRenderPipeline runs the post-processing steps in their fixed order:
// mixdown before concat, so the joined video can carry the audio track.
type afterRenderPipeline struct {
	blender string
	ffmpeg  string
	scripts ScriptProvider
	logger  *slog.Logger
}

type pipelineOutput struct {
	outcome    Outcome
	stages     []StageResult
	reportPath string
}

func (p *afterRenderPipeline) run(ctx context.Context, project *Project, action AfterRenderAction) pipelineOutput {
	out := pipelineOutput{outcome: OutcomeAllOk}
	if action == ActionNothing {
		return out
	}
	logger := logging.WithContext(ctx, p.logger)

	mixdownOK := false
	if action.Has(ActionMixdown) {
		if ctx.Err() != nil {
			out.outcome = OutcomeAborted
			return out
		}
		result := p.runMixdown(ctx, project)
		out.stages = append(out.stages, result)
		if ctx.Err() != nil {
			out.outcome = OutcomeAborted
			return out
		}
		if result.Failed() {
			out.outcome = OutcomeMixdownFailed
			logger.Error("mixdown step failed",
				logging.Int("exit_code", result.ExitCode),
				logging.String(logging.FieldStage, "mixdown"))
		} else {
			mixdownOK = true
		}
	}

	if action.Has(ActionJoin) {
		if ctx.Err() != nil {
			out.outcome = OutcomeAborted
			return out
		}
		result := p.runConcat(ctx, project, mixdownOK)
		out.stages = append(out.stages, result)
		if ctx.Err() != nil {
			out.outcome = OutcomeAborted
			return out
		}
		if result.Failed() {
			if out.outcome == OutcomeAllOk {
				out.outcome = OutcomeConcatFailed
			}
			logger.Error("concat step failed",
				logging.Int("exit_code", result.ExitCode),
				logging.String(logging.FieldStage, "concat"))
		}
	}

	if out.outcome != OutcomeAllOk {
		path, err := writeFailureReport(project, out.stages)
		if err != nil {
			logger.Warn("failure report could not be written", logging.Error(err))
		} else {
			out.reportPath = path
		}
	}
	return out
}

// runMixdown renders the project's audio track to a standalone file using
// the headless render binary with the deployed mixdown script.
func (p *afterRenderPipeline) runMixdown(ctx context.Context, project *Project) StageResult {
	scriptPath, err := p.scripts.MixdownScript()
	if err != nil {
		return StageResult{Step: "mixdown", ExitCode: -1, Stderr: err.Error()}
	}
	start, end := project.FrameRange()
	args := []string{
		"-b", project.BlendFile,
		"-P", scriptPath,
		"--",
		strconv.Itoa(start),
		strconv.Itoa(end),
		project.MixdownPath(),
	}
	return p.runStep(ctx, "mixdown", p.blender, args)
}

// runConcat joins the chunk videos into the final output. The mixdown audio
// is muxed in only when the mixdown step actually produced it.
func (p *afterRenderPipeline) runConcat(ctx context.Context, project *Project, withAudio bool) StageResult {
	files, err := DiscoverChunkFiles(project.ChunksDir())
	if err != nil {
		return StageResult{Step: "concat", ExitCode: -1, Stderr: err.Error()}
	}
	manifest, err := writeManifest(project.ChunksDir(), files)
	if err != nil {
		return StageResult{Step: "concat", ExitCode: -1, Stderr: err.Error()}
	}

	finalPath := filepath.Join(project.OutputDir, project.Name+filepath.Ext(files[0].Path))
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", manifest}
	if withAudio {
		args = append(args, "-i", project.MixdownPath(), "-map", "0:v", "-map", "1:a")
	}
	args = append(args, "-c", "copy")
	if project.Duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(project.Duration.Seconds(), 'f', 3, 64))
	}
	args = append(args, finalPath)
	return p.runStep(ctx, "concat", p.ffmpeg, args)
}

func (p *afterRenderPipeline) runStep(ctx context.Context, step, binary string, args []string) StageResult {
	ctx = services.WithStage(ctx, step)
	logger := logging.WithContext(ctx, p.logger)
	logger.Info("after-render step starting", logging.String("binary", binary))
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return StageResult{
		Step:     step,
		ExitCode: exitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
}

// writeFailureReport records each failing step's exit code and captured
// output in the project output directory. The file name carries a fresh UUID
// so successive runs never clobber each other's reports.
func writeFailureReport(project *Project, stages []StageResult) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "After-render report for %s\n", project.Name)
	fmt.Fprintf(&buf, "Generated: %s\n", time.Now().Format(time.RFC3339))
	for _, stage := range stages {
		if !stage.Failed() {
			continue
		}
		fmt.Fprintf(&buf, "\n======== Step: %s ========\n", stage.Step)
		fmt.Fprintf(&buf, "exit code: %d\n", stage.ExitCode)
		fmt.Fprintf(&buf, "\n--- stdout ---\n%s\n", strings.TrimRight(stage.Stdout, "\n"))
		fmt.Fprintf(&buf, "\n--- stderr ---\n%s\n", strings.TrimRight(stage.Stderr, "\n"))
	}

	path := filepath.Join(project.OutputDir, fmt.Sprintf("AfterRenderReport_%s.txt", uuid.NewString()))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", services.Wrap(services.ErrTransient, "after-render", "write-report", "write failure report", err)
	}
	return path, nil
}
