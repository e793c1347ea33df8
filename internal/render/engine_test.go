package render_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rendermill/internal/render"
	"rendermill/internal/services"
	"rendermill/internal/testsupport"
)

// blenderStubScript emulates the headless render binary. Chunk invocations
// print Fra: progress lines and drop a chunk video into the -o directory;
// mixdown invocations (-P) create the output audio file. Behavior is tuned
// through STUB_* environment variables so one script serves every test.
const blenderStubScript = `#!/bin/sh
mode=chunk
start=0
end=0
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -s) start=$2; shift 2 ;;
    -e) end=$2; shift 2 ;;
    -o) out=$2; shift 2 ;;
    -P) mode=mixdown; shift 2 ;;
    --) start=$2; end=$3; mix=$4; shift 4 ;;
    *) shift ;;
  esac
done
if [ "$mode" = "mixdown" ]; then
  if [ -n "$STUB_MIXDOWN_EXIT" ]; then
    echo "mixdown refused" >&2
    exit "$STUB_MIXDOWN_EXIT"
  fi
  : > "$mix"
  exit 0
fi
if [ -n "$STUB_LOG" ]; then
  echo "begin $start" >> "$STUB_LOG"
fi
if [ -n "$STUB_HANG" ]; then
  echo "Fra:$start Mem:10.00M"
  sleep 30
  exit 0
fi
if [ -n "$STUB_FAIL_START" ] && [ "$start" -eq "$STUB_FAIL_START" ]; then
  exit 3
fi
i=$start
while [ $i -le $end ]; do
  if [ -n "$STUB_SKIP_FRAME" ] && [ $i -eq "$STUB_SKIP_FRAME" ]; then
    i=$((i+1))
    continue
  fi
  echo "Fra:$i Mem:10.00M"
  i=$((i+1))
done
dir=$(dirname "$out")
base=$(basename "$out")
name=${base%-#}
: > "$dir/$name-$start-$end.mp4"
if [ -n "$STUB_LOG" ]; then
  echo "end $start" >> "$STUB_LOG"
fi
exit 0
`

// ffmpegStubScript records its argv and creates the output file (last
// argument) unless STUB_FFMPEG_EXIT forces a failure.
const ffmpegStubScript = `#!/bin/sh
if [ -n "$STUB_FFMPEG_ARGS" ]; then
  echo "$@" > "$STUB_FFMPEG_ARGS"
fi
if [ -n "$STUB_FFMPEG_EXIT" ]; then
  echo "concat demuxer error" >&2
  exit "$STUB_FFMPEG_EXIT"
fi
eval "last=\${$#}"
: > "$last"
exit 0
`

// syncBuffer collects log output written from the scheduler and pool
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type engineFixture struct {
	engine  *render.Engine
	project *render.Project
	blender string
	ffmpeg  string
	dataDir string
}

func newEngineFixture(t *testing.T, chunkCount, maxConcurrency int) *engineFixture {
	t.Helper()

	base := t.TempDir()
	blender := testsupport.WriteExecutable(t, filepath.Join(base, "bin", "blender"), blenderStubScript)
	ffmpeg := testsupport.WriteExecutable(t, filepath.Join(base, "bin", "ffmpeg"), ffmpegStubScript)

	blendFile := filepath.Join(base, "scene.blend")
	testsupport.WriteFile(t, blendFile, 64)

	chunks, err := render.SplitRange(1, 20, chunkCount)
	if err != nil {
		t.Fatalf("SplitRange: %v", err)
	}
	project := &render.Project{
		BlendFile:      blendFile,
		OutputDir:      filepath.Join(base, "out"),
		Name:           "scene",
		Renderer:       "CYCLES",
		AudioCodec:     "PCM",
		MaxConcurrency: maxConcurrency,
		Chunks:         chunks,
	}

	dataDir := filepath.Join(base, "data")
	engine := render.NewEngine(render.Settings{
		BlenderBinary: blender,
		FFmpegBinary:  ffmpeg,
		TickInterval:  5 * time.Millisecond,
		ProgressEvery: 2,
		Scripts:       render.DataDirScripts{Dir: dataDir},
	})
	return &engineFixture{
		engine:  engine,
		project: project,
		blender: blender,
		ffmpeg:  ffmpeg,
		dataDir: dataDir,
	}
}

func findReports(t *testing.T, outputDir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(outputDir, "AfterRenderReport_*.txt"))
	if err != nil {
		t.Fatalf("glob reports: %v", err)
	}
	return matches
}

func TestEngineRunCompletesAllChunks(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)

	var snapshots []render.Snapshot
	fx.engine.OnProgress(func(s render.Snapshot) { snapshots = append(snapshots, s) })
	resultCount := 0
	fx.engine.OnResult(func(render.Result) { resultCount++ })

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s, want all_ok (err: %v)", result.Outcome, result.Err)
	}
	if result.FramesRendered != 20 {
		t.Errorf("frames rendered = %d, want 20", result.FramesRendered)
	}
	if result.ChunksCompleted != 4 || result.ChunksTotal != 4 {
		t.Errorf("chunks = %d/%d, want 4/4", result.ChunksCompleted, result.ChunksTotal)
	}
	if result.RunID == "" {
		t.Error("run id is empty")
	}
	if resultCount != 1 {
		t.Errorf("result delivered %d times, want exactly once", resultCount)
	}
	if len(snapshots) == 0 {
		t.Fatal("no progress snapshots delivered")
	}
	final := snapshots[len(snapshots)-1]
	if !final.Done() {
		t.Errorf("final snapshot not done: %+v", final)
	}
	if fx.engine.State() != render.StateIdle {
		t.Errorf("engine state = %s, want idle", fx.engine.State())
	}

	files, err := render.DiscoverChunkFiles(fx.project.ChunksDir())
	if err != nil {
		t.Fatalf("DiscoverChunkFiles: %v", err)
	}
	if len(files) != 4 {
		t.Errorf("chunk files = %d, want 4", len(files))
	}
}

func TestEngineHonorsConcurrencyLimit(t *testing.T) {
	fx := newEngineFixture(t, 3, 1)
	logPath := filepath.Join(t.TempDir(), "order.log")
	t.Setenv("STUB_LOG", logPath)

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read order log: %v", err)
	}
	lines := strings.Fields(strings.ReplaceAll(strings.TrimSpace(string(data)), "\n", " "))
	// With a limit of one, begin/end pairs must strictly alternate.
	if len(lines) != 12 {
		t.Fatalf("unexpected log %q", data)
	}
	for i := 0; i < len(lines); i += 4 {
		if lines[i] != "begin" || lines[i+2] != "end" || lines[i+1] != lines[i+3] {
			t.Fatalf("chunks overlapped despite limit of one: %q", data)
		}
	}
}

func TestEngineChunkFailureStopsRun(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_FAIL_START", "6")

	if err := fx.engine.Setup(fx.project, render.ActionMixdown|render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != render.OutcomeChunkRenderFailed {
		t.Fatalf("outcome = %s, want chunk_render_failed", result.Outcome)
	}
	if !errors.Is(result.Err, services.ErrExternalTool) {
		t.Fatalf("Err = %v, want external tool error", result.Err)
	}
	if len(result.Stages) != 0 {
		t.Errorf("after-render stages ran despite chunk failure: %+v", result.Stages)
	}
	if reports := findReports(t, fx.project.OutputDir); len(reports) != 0 {
		t.Errorf("failure report written on chunk failure: %v", reports)
	}
}

func TestEngineAbortCancelsRun(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_HANG", "1")

	if err := fx.engine.Setup(fx.project, render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	fx.engine.Abort()
	fx.engine.Abort() // idempotent

	result := fx.engine.Wait()
	if result.Outcome != render.OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", result.Outcome)
	}
	if !errors.Is(result.Err, services.ErrAborted) {
		t.Fatalf("Err = %v, want aborted error", result.Err)
	}
	if reports := findReports(t, fx.project.OutputDir); len(reports) != 0 {
		t.Errorf("failure report written on abort: %v", reports)
	}
	if _, err := os.Stat(filepath.Join(fx.project.OutputDir, "scene.mp4")); err == nil {
		t.Error("final video produced despite abort")
	}
}

func TestEngineSetupWhileRunningAborts(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_HANG", "1")

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := fx.engine.Setup(fx.project, render.ActionNothing); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Setup during run = %v, want validation error", err)
	}
	result := fx.engine.Wait()
	if result.Outcome != render.OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", result.Outcome)
	}
}

func TestEngineAfterRenderPipeline(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	argsFile := filepath.Join(t.TempDir(), "ffmpeg-args")
	t.Setenv("STUB_FFMPEG_ARGS", argsFile)

	if err := fx.engine.Setup(fx.project, render.ActionMixdown|render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s (err: %v)", result.Outcome, result.Err)
	}
	if len(result.Stages) != 2 || result.Stages[0].Step != "mixdown" || result.Stages[1].Step != "concat" {
		t.Fatalf("unexpected stage order: %+v", result.Stages)
	}
	if _, err := os.Stat(fx.project.MixdownPath()); err != nil {
		t.Errorf("mixdown file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.project.OutputDir, "scene.mp4")); err != nil {
		t.Errorf("final video missing: %v", err)
	}

	manifest, err := os.ReadFile(filepath.Join(fx.project.ChunksDir(), render.ManifestName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	text := string(manifest)
	order := []string{"scene-1-5.mp4", "scene-6-10.mp4", "scene-11-15.mp4", "scene-16-20.mp4"}
	last := -1
	for _, name := range order {
		idx := strings.Index(text, name)
		if idx < 0 {
			t.Fatalf("manifest missing %s:\n%s", name, text)
		}
		if idx < last {
			t.Fatalf("manifest out of order:\n%s", text)
		}
		last = idx
	}
	if !strings.HasPrefix(text, "file '") {
		t.Fatalf("manifest lines not in concat format:\n%s", text)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read ffmpeg args: %v", err)
	}
	if !strings.Contains(string(args), fx.project.MixdownPath()) {
		t.Errorf("mixdown audio not passed to concat: %s", args)
	}
}

func TestEngineMixdownFailureStillConcatsWithoutAudio(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	argsFile := filepath.Join(t.TempDir(), "ffmpeg-args")
	t.Setenv("STUB_FFMPEG_ARGS", argsFile)
	t.Setenv("STUB_MIXDOWN_EXIT", "4")

	if err := fx.engine.Setup(fx.project, render.ActionMixdown|render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != render.OutcomeMixdownFailed {
		t.Fatalf("outcome = %s, want mixdown_failed", result.Outcome)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("concat did not run after mixdown failure: %v", err)
	}
	if strings.Contains(string(args), fx.project.MixdownPath()) {
		t.Errorf("failed mixdown output passed to concat: %s", args)
	}

	reports := findReports(t, fx.project.OutputDir)
	if len(reports) != 1 {
		t.Fatalf("reports = %v, want exactly one", reports)
	}
	content, err := os.ReadFile(reports[0])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(content), "Step: mixdown") || !strings.Contains(string(content), "exit code: 4") {
		t.Errorf("report missing mixdown failure details:\n%s", content)
	}
	if result.ReportPath != reports[0] {
		t.Errorf("ReportPath = %q, want %q", result.ReportPath, reports[0])
	}
}

func TestEngineConcatFailureWritesReport(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_FFMPEG_EXIT", "2")

	if err := fx.engine.Setup(fx.project, render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != render.OutcomeConcatFailed {
		t.Fatalf("outcome = %s, want concat_failed", result.Outcome)
	}
	reports := findReports(t, fx.project.OutputDir)
	if len(reports) != 1 {
		t.Fatalf("reports = %v, want exactly one", reports)
	}
	content, err := os.ReadFile(reports[0])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(content), "Step: concat") || !strings.Contains(string(content), "concat demuxer error") {
		t.Errorf("report missing concat failure details:\n%s", content)
	}
}

func TestEngineFrameAccountingMismatchDoesNotFailRun(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_SKIP_FRAME", "13")

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s, want all_ok despite missing frame", result.Outcome)
	}
	if result.FramesRendered != 19 {
		t.Errorf("frames rendered = %d, want 19", result.FramesRendered)
	}
}

func TestEngineStartWithoutSetupFails(t *testing.T) {
	engine := render.NewEngine(render.Settings{})
	if err := engine.Start(context.Background()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Start without Setup = %v, want validation error", err)
	}
}

func TestEngineRejectsMissingBlendFile(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	fx.project.BlendFile = filepath.Join(t.TempDir(), "missing.blend")
	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := fx.engine.Start(context.Background()); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("Start = %v, want not-found error", err)
	}
	if fx.engine.State() != render.StateIdle {
		t.Errorf("engine state = %s after failed start, want idle", fx.engine.State())
	}
}

func TestEngineStartRejectsMissingBinaries(t *testing.T) {
	fx := newEngineFixture(t, 2, 2)

	engine := render.NewEngine(render.Settings{
		BlenderBinary: filepath.Join(t.TempDir(), "no-such-blender"),
		FFmpegBinary:  fx.ffmpeg,
	})
	if err := engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := engine.Start(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("Start with missing render binary = %v, want configuration error", err)
	}
	if engine.State() != render.StateIdle {
		t.Errorf("engine state = %s after failed start, want idle", engine.State())
	}

	engine = render.NewEngine(render.Settings{
		BlenderBinary: fx.blender,
		FFmpegBinary:  filepath.Join(t.TempDir(), "no-such-ffmpeg"),
	})
	if err := engine.Setup(fx.project, render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := engine.Start(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("Start with missing ffmpeg = %v, want configuration error", err)
	}
}

func TestEngineNotifiesEveryRegisteredObserver(t *testing.T) {
	fx := newEngineFixture(t, 2, 2)

	var first, second []render.Snapshot
	fx.engine.OnProgress(func(s render.Snapshot) { first = append(first, s) })
	fx.engine.OnProgress(func(s render.Snapshot) { second = append(second, s) })
	results := 0
	fx.engine.OnResult(func(render.Result) { results++ })
	fx.engine.OnResult(func(render.Result) { results++ })

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s (err: %v)", result.Outcome, result.Err)
	}
	if len(first) == 0 {
		t.Fatal("no progress snapshots delivered")
	}
	if len(first) != len(second) {
		t.Errorf("observers saw %d and %d snapshots, want equal counts", len(first), len(second))
	}
	if results != 2 {
		t.Errorf("result deliveries = %d, want one per observer", results)
	}
}

func TestEngineRunLogsCarryRunContext(t *testing.T) {
	fx := newEngineFixture(t, 2, 2)

	var logBuf syncBuffer
	engine := render.NewEngine(render.Settings{
		BlenderBinary: fx.blender,
		FFmpegBinary:  fx.ffmpeg,
		TickInterval:  5 * time.Millisecond,
		Scripts:       render.DataDirScripts{Dir: fx.dataDir},
		Logger:        slog.New(slog.NewTextHandler(&logBuf, nil)),
	})
	if err := engine.Setup(fx.project, render.ActionMixdown|render.ActionJoin); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != render.OutcomeAllOk {
		t.Fatalf("outcome = %s (err: %v)", result.Outcome, result.Err)
	}

	out := logBuf.String()
	if !strings.Contains(out, "run_id="+result.RunID) {
		t.Errorf("run logs missing run_id %s:\n%s", result.RunID, out)
	}
	if !strings.Contains(out, "project=scene") {
		t.Errorf("run logs missing project name:\n%s", out)
	}
	if !strings.Contains(out, "stage=mixdown") || !strings.Contains(out, "stage=concat") {
		t.Errorf("after-render step logs missing stage annotation:\n%s", out)
	}
}

func TestEngineOutputDirLockExcludesSecondRun(t *testing.T) {
	fx := newEngineFixture(t, 4, 2)
	t.Setenv("STUB_HANG", "1")

	if err := fx.engine.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		fx.engine.Abort()
		fx.engine.Wait()
	})
	time.Sleep(30 * time.Millisecond)

	second := render.NewEngine(render.Settings{
		BlenderBinary: fx.blender,
		FFmpegBinary:  fx.ffmpeg,
	})
	if err := second.Setup(fx.project, render.ActionNothing); err != nil {
		t.Fatalf("Setup second: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("second Start = %v, want lock contention error", err)
	}
}
