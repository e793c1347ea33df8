package render

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"rendermill/internal/logging"
	"rendermill/internal/services"
)

// Task binds one chunk to the external render process that produces it.
// Tasks are created unstarted; the engine launches them as concurrency slots
// open up.
type Task struct {
	Chunk Chunk

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	killed  bool
}

// Started reports whether the task's process was launched.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Pool owns the external render processes for one run: it builds the
// per-chunk command lines, pumps their stdout through a line callback, and
// reaps them. Lifecycle control stays with the engine.
type Pool struct {
	binary  string
	project *Project
	logger  *slog.Logger
	tasks   []*Task
	wg      sync.WaitGroup
}

// NewPool prepares one task per project chunk, in chunk order.
func NewPool(binary string, project *Project, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	tasks := make([]*Task, 0, len(project.Chunks))
	for _, chunk := range project.Chunks {
		tasks = append(tasks, &Task{Chunk: chunk})
	}
	return &Pool{binary: binary, project: project, logger: logger, tasks: tasks}
}

// Tasks returns the pool's tasks in chunk order.
func (p *Pool) Tasks() []*Task {
	return p.tasks
}

// Start launches the render process for task. onLine receives every stdout
// line; onExit fires exactly once with the process exit code (-1 when the
// process was killed or failed outside of normal exit). Both callbacks run on
// the task's reader goroutine.
func (p *Pool) Start(task *Task, onLine func(string), onExit func(*Task, int)) error {
	outPattern := filepath.Join(p.project.ChunksDir(), p.project.Name+"-#")
	cmd := exec.Command(p.binary,
		"-b", p.project.BlendFile,
		"-o", outPattern,
		"-E", p.project.Renderer,
		"-s", strconv.Itoa(task.Chunk.Start),
		"-e", strconv.Itoa(task.Chunk.End),
		"-a",
	)
	cmd.Stderr = io.Discard
	// Render processes may spawn children; a process group lets Kill reap
	// the whole tree so the stdout pipe actually closes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "render", "start-chunk", "attach stdout for chunk "+task.Chunk.Label(), err)
	}
	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "render", "start-chunk", "launch render process for chunk "+task.Chunk.Label(), err)
	}

	task.mu.Lock()
	task.cmd = cmd
	task.started = true
	task.mu.Unlock()

	p.logger.Debug("chunk process started",
		logging.String(logging.FieldChunk, task.Chunk.Label()),
		logging.Int("pid", cmd.Process.Pid))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
		onExit(task, exitCode(cmd.Wait()))
	}()
	return nil
}

// Kill terminates the task's process if it is running. Safe to call more
// than once and on tasks that never started.
func (p *Pool) Kill(task *Task) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if !task.started || task.killed || task.cmd == nil || task.cmd.Process == nil {
		task.killed = true
		return
	}
	task.killed = true
	if err := syscall.Kill(-task.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if err := task.cmd.Process.Kill(); err != nil {
			p.logger.Debug("kill chunk process",
				logging.String(logging.FieldChunk, task.Chunk.Label()),
				logging.Error(err))
		}
	}
}

// KillAll terminates every running task.
func (p *Pool) KillAll() {
	for _, task := range p.tasks {
		p.Kill(task)
	}
}

// Wait blocks until every started task has been reaped and its onExit
// callback has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
