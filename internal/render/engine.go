package render

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"rendermill/internal/deps"
	"rendermill/internal/fileutil"
	"rendermill/internal/logging"
	"rendermill/internal/services"
)

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

const (
	// DefaultTickInterval is the scheduler heartbeat.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultProgressEvery notifies progress observers on every third tick.
	DefaultProgressEvery = 3
)

// lockFileName guards an output directory against concurrent runs.
const lockFileName = ".rendermill.lock"

// Settings configures an Engine independently of any single project.
type Settings struct {
	BlenderBinary string
	FFmpegBinary  string
	TickInterval  time.Duration
	ProgressEvery int
	Scripts       ScriptProvider
	Logger        *slog.Logger
}

// Engine drives one render run at a time: it splits dispatching over a fixed
// tick, keeps at most Project.MaxConcurrency chunk processes alive, and runs
// the after-render pipeline once every chunk has exited. A single Engine can
// be reused for successive runs but never runs two at once.
type Engine struct {
	settings Settings
	logger   *slog.Logger

	mu                sync.Mutex
	state             State
	project           *Project
	action            AfterRenderAction
	progressObservers []func(Snapshot)
	resultObservers   []func(Result)
	run               *runState
}

// runState holds per-run mutable state, replaced wholesale on each Start.
type runState struct {
	id        string
	pool      *Pool
	lock      *flock.Flock
	cancel    context.CancelFunc
	startedAt time.Time

	aborted    atomic.Bool
	inProgress atomic.Int32
	completed  atomic.Int32
	failed     atomic.Int32
	remaining  atomic.Int32
	frames     *frameSet

	allExited chan struct{}
	exitOnce  sync.Once
	failedCh  chan struct{}
	failOnce  sync.Once
	done      chan struct{}
	result    Result
}

// NewEngine builds an idle engine. Zero-valued settings fall back to the
// package defaults; a nil logger disables logging.
func NewEngine(settings Settings) *Engine {
	if settings.TickInterval <= 0 {
		settings.TickInterval = DefaultTickInterval
	}
	if settings.ProgressEvery < 1 {
		settings.ProgressEvery = DefaultProgressEvery
	}
	logger := settings.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "engine")
	return &Engine{settings: settings, logger: logger}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnProgress registers an observer for throttled progress snapshots.
// Observers run on the scheduler goroutine and must not block.
func (e *Engine) OnProgress(fn func(Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressObservers = append(e.progressObservers, fn)
}

// OnResult registers an observer for the run's terminal result, delivered
// exactly once per run. Observers must not block.
func (e *Engine) OnResult(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resultObservers = append(e.resultObservers, fn)
}

// Setup stages a project and action set for the next run. Calling Setup
// while a run is in flight is an error and aborts the in-flight run.
func (e *Engine) Setup(project *Project, action AfterRenderAction) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		e.Abort()
		return services.Wrap(services.ErrValidation, "engine", "setup",
			"cannot reconfigure while a render is running; the in-flight run was aborted", nil)
	}
	defer e.mu.Unlock()
	if err := project.Validate(); err != nil {
		return err
	}
	e.project = project
	e.action = action
	return nil
}

// Start validates the staged project and launches the run asynchronously.
// Nothing is mutated on disk until every validation passes.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return services.Wrap(services.ErrValidation, "engine", "start", "a render is already running", nil)
	}
	project, action := e.project, e.action
	if project == nil {
		return services.Wrap(services.ErrValidation, "engine", "start", "no project staged; call Setup first", nil)
	}
	if err := project.Validate(); err != nil {
		return err
	}
	if !fileExists(project.BlendFile) {
		return services.Wrap(services.ErrNotFound, "engine", "start", "blend file does not exist: "+project.BlendFile, nil)
	}
	if _, err := deps.Resolve(e.settings.BlenderBinary); err != nil {
		return services.Wrap(services.ErrConfiguration, "engine", "start", "render binary unavailable", err)
	}
	if action.Has(ActionJoin) {
		if _, err := deps.Resolve(e.settings.FFmpegBinary); err != nil {
			return services.Wrap(services.ErrConfiguration, "engine", "start", "ffmpeg binary unavailable", err)
		}
	}
	if action.Has(ActionMixdown) && e.settings.Scripts == nil {
		return services.Wrap(services.ErrConfiguration, "engine", "start", "mixdown requested but no script provider configured", nil)
	}
	if err := fileutil.EnsureDir(project.ChunksDir()); err != nil {
		return services.Wrap(services.ErrConfiguration, "engine", "start", "create chunk directory", err)
	}

	lock := flock.New(filepath.Join(project.OutputDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrTransient, "engine", "start", "acquire output directory lock", err)
	}
	if !locked {
		return services.Wrap(services.ErrTransient, "engine", "start",
			"output directory is locked by another render", nil)
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	runCtx = services.WithProject(runCtx, project.Name)
	runCtx = services.WithRunID(runCtx, id)
	run := &runState{
		id:        id,
		pool:      NewPool(e.settings.BlenderBinary, project, e.logger),
		lock:      lock,
		cancel:    cancel,
		startedAt: time.Now(),
		frames:    newFrameSet(),
		allExited: make(chan struct{}),
		failedCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	run.remaining.Store(int32(len(project.Chunks)))

	e.run = run
	e.state = StateRunning
	go e.runLoop(runCtx, run, project, action)
	return nil
}

// RunID returns the identifier of the most recently started run, empty when
// the engine has never run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return ""
	}
	return e.run.id
}

// Wait blocks until the current run finishes and returns its result. Returns
// the last result immediately when no run is in flight.
func (e *Engine) Wait() Result {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return Result{Outcome: OutcomeUnknown}
	}
	<-run.done
	return run.result
}

// Run starts the staged project and blocks until it finishes.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if err := e.Start(ctx); err != nil {
		return Result{}, err
	}
	return e.Wait(), nil
}

// Abort cancels the in-flight run: running chunk processes are killed,
// pending chunks are never dispatched, and the after-render pipeline is
// skipped or interrupted. Idempotent; a no-op when idle.
func (e *Engine) Abort() {
	e.mu.Lock()
	run := e.run
	running := e.state == StateRunning
	e.mu.Unlock()
	if run == nil || !running {
		return
	}
	if !run.aborted.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("abort requested", logging.String(logging.FieldRunID, run.id))
	run.cancel()
	run.pool.KillAll()
}

func (e *Engine) runLoop(ctx context.Context, run *runState, project *Project, action AfterRenderAction) {
	logger := logging.WithContext(ctx, e.logger)
	start, end := project.FrameRange()
	logger.Info("render started",
		logging.Int("frame_start", start),
		logging.Int("frame_end", end),
		logging.Int("chunks", len(project.Chunks)),
		logging.Int("max_concurrency", project.MaxConcurrency),
		logging.String("after_render", action.String()))

	ticker := time.NewTicker(e.settings.TickInterval)
	defer ticker.Stop()
	throttle := newProgressThrottle(e.settings.ProgressEvery)
	tasks := run.pool.Tasks()
	cursor := 0

loop:
	for {
		select {
		case <-ctx.Done():
			run.aborted.Store(true)
			run.pool.KillAll()
			break loop
		case <-run.failedCh:
			break loop
		case <-run.allExited:
			break loop
		case <-ticker.C:
			cursor = e.dispatch(run, tasks, cursor, project, logger)
			snap := e.snapshot(run, project)
			if throttle.shouldEmit(snap) {
				e.notifyProgress(snap)
				logger.Info("render progress",
					logging.Float64("percent", snap.Percent()),
					logging.Int("frames_rendered", snap.FramesRendered),
					logging.Int("chunks_completed", snap.ChunksCompleted))
			}
		}
	}

	// Reap every started process before deciding the outcome so exit
	// callbacks cannot race the result.
	run.pool.Wait()

	snap := e.snapshot(run, project)
	if !throttle.emittedFinal {
		e.notifyProgress(snap)
	}

	var out pipelineOutput
	switch {
	case run.aborted.Load():
		out.outcome = OutcomeAborted
	case run.failed.Load() > 0:
		out.outcome = OutcomeChunkRenderFailed
	default:
		if rendered := run.frames.Len(); rendered != project.TotalFrames() {
			logger.Error("frame accounting mismatch",
				logging.String(logging.FieldEventType, "frame_accounting_mismatch"),
				logging.Alert("frame totals disagree with chunk plan"),
				logging.Int("frames_expected", project.TotalFrames()),
				logging.Int("frames_rendered", rendered))
		}
		pipeline := &afterRenderPipeline{
			blender: e.settings.BlenderBinary,
			ffmpeg:  e.settings.FFmpegBinary,
			scripts: e.settings.Scripts,
			logger:  e.logger,
		}
		out = pipeline.run(ctx, project, action)
		if run.aborted.Load() || ctx.Err() != nil {
			out.outcome = OutcomeAborted
		}
	}

	e.finish(run, project, out, logger)
}

// dispatch starts pending chunk tasks until the concurrency budget is spent
// or the chunk list is exhausted. Returns the advanced cursor.
func (e *Engine) dispatch(run *runState, tasks []*Task, cursor int, project *Project, logger *slog.Logger) int {
	for cursor < len(tasks) && int(run.inProgress.Load()) < project.MaxConcurrency {
		if run.aborted.Load() || run.failed.Load() > 0 {
			return cursor
		}
		task := tasks[cursor]
		run.inProgress.Add(1)
		err := run.pool.Start(task,
			func(line string) {
				if frame, ok := parseFrameLine(line); ok {
					run.frames.Add(frame)
				}
			},
			func(t *Task, code int) {
				run.inProgress.Add(-1)
				if code == 0 {
					run.completed.Add(1)
				} else {
					run.failed.Add(1)
					if !run.aborted.Load() {
						logger.Error("chunk render failed",
							logging.String(logging.FieldChunk, t.Chunk.Label()),
							logging.Int("exit_code", code))
						run.pool.KillAll()
						run.failOnce.Do(func() { close(run.failedCh) })
					}
				}
				if run.remaining.Add(-1) == 0 {
					run.exitOnce.Do(func() { close(run.allExited) })
				}
			})
		if err != nil {
			run.inProgress.Add(-1)
			run.failed.Add(1)
			logger.Error("chunk process launch failed",
				logging.String(logging.FieldChunk, task.Chunk.Label()),
				logging.Error(err))
			run.failOnce.Do(func() { close(run.failedCh) })
			if run.remaining.Add(-1) == 0 {
				run.exitOnce.Do(func() { close(run.allExited) })
			}
			return cursor + 1
		}
		cursor++
	}
	return cursor
}

func (e *Engine) snapshot(run *runState, project *Project) Snapshot {
	return Snapshot{
		FramesRendered:  run.frames.Len(),
		ChunksCompleted: int(run.completed.Load()),
		ChunksTotal:     len(project.Chunks),
		TotalFrames:     project.TotalFrames(),
	}
}

func (e *Engine) notifyProgress(snap Snapshot) {
	e.mu.Lock()
	observers := append([]func(Snapshot){}, e.progressObservers...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func (e *Engine) finish(run *runState, project *Project, out pipelineOutput, logger *slog.Logger) {
	result := Result{
		RunID:           run.id,
		Outcome:         out.outcome,
		FramesRendered:  run.frames.Len(),
		ChunksCompleted: int(run.completed.Load()),
		ChunksTotal:     len(project.Chunks),
		Stages:          out.stages,
		ReportPath:      out.reportPath,
		Err:             outcomeError(out.outcome),
		StartedAt:       run.startedAt,
		FinishedAt:      time.Now(),
	}

	if err := run.lock.Unlock(); err != nil {
		logger.Warn("release output directory lock", logging.Error(err))
	}
	run.cancel()

	e.mu.Lock()
	e.state = StateIdle
	observers := append([]func(Result){}, e.resultObservers...)
	e.mu.Unlock()

	run.result = result
	for _, fn := range observers {
		fn(result)
	}
	close(run.done)

	logger.Info("render finished",
		logging.String("outcome", result.Outcome.String()),
		logging.Int("frames_rendered", result.FramesRendered),
		logging.Int("chunks_completed", result.ChunksCompleted),
		logging.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
}

func outcomeError(o Outcome) error {
	switch o {
	case OutcomeAllOk:
		return nil
	case OutcomeAborted:
		return services.Wrap(services.ErrAborted, "engine", "run", "render aborted", nil)
	case OutcomeChunkRenderFailed:
		return services.Wrap(services.ErrExternalTool, "render", "chunk", "one or more chunk renders failed", nil)
	case OutcomeMixdownFailed:
		return services.Wrap(services.ErrExternalTool, "after-render", "mixdown", "audio mixdown failed", nil)
	case OutcomeConcatFailed:
		return services.Wrap(services.ErrExternalTool, "after-render", "concat", "chunk concatenation failed", nil)
	default:
		return services.Wrap(services.ErrTransient, "engine", "run", "render finished in unexpected state", nil)
	}
}
