package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// terminateGrace caps how long Stop waits after SIGTERM before killing.
const terminateGrace = 500 * time.Millisecond

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Sentinel errors for process package.
var (
	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrProcessAlreadyStarted is returned when trying to start an already running process.
	ErrProcessAlreadyStarted = errors.New("process already started")

	// ErrExitedBeforeReady is returned by WaitReady when the process exits
	// without printing its readiness marker.
	ErrExitedBeforeReady = errors.New("process exited before it was ready")

	// ErrExitTimeout is returned by Stop when the process had to be killed.
	ErrExitTimeout = errors.New("process exit timed out")
)

// Process is a managed child process whose output is watched.
//
// Stdout is scanned for an optional readiness marker and drained for the
// life of the process; both streams are forwarded to the logger. It is safe
// for concurrent use.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Started is the time the process was started.
	Started time.Time

	logger      *slog.Logger
	readyMarker string
	stdout      *outputWriter
	stderr      *outputWriter

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	waitOnce sync.Once
}

// NewProcess creates a new Process wrapping the given command.
//
// The command should not be started before calling NewProcess.
// Use Supervisor.Start() to start the process with proper tracking.
func NewProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:     id,
		Name:   name,
		Cmd:    cmd,
		logger: slog.Default(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1) // -1 indicates not exited
	return p
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the process exit code.
// Returns -1 if the process has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns any error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Ready returns a channel that is closed once the readiness marker has
// appeared on stdout. Without a marker it is closed when the process starts.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// WaitReady blocks until the process is ready, exits, or ctx is done.
func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	default:
	}

	select {
	case <-p.ready:
		return nil
	case <-p.done:
		// Output may have been drained just before exit.
		select {
		case <-p.ready:
			return nil
		default:
		}
		if err := p.ExitError(); err != nil {
			return fmt.Errorf("%w: %w", ErrExitedBeforeReady, err)
		}
		return ErrExitedBeforeReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited returns true if the process has exited (normally or killed).
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Kill kills the process immediately.
func (p *Process) Kill() error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return fmt.Errorf("process not running: %w", ErrProcessNotStarted)
	}
	return p.Cmd.Process.Kill()
}

// Terminate asks the process to exit with SIGTERM, falling back to Kill
// where signals are not supported.
func (p *Process) Terminate() error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return fmt.Errorf("process not running: %w", ErrProcessNotStarted)
	}
	if err := p.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.Cmd.Process.Kill()
	}
	return nil
}

// Stop waits up to grace for the process to exit on its own. A process
// still running is sent SIGTERM and, if it ignores that too, killed. It
// returns ErrExitTimeout if the process outlived grace.
func (p *Process) Stop(grace time.Duration) error {
	if p.State() == StateCreated {
		return ErrProcessNotStarted
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("process did not exit, terminating", "process", p.Name, "grace", grace)
	if err := p.Terminate(); err == nil {
		timer.Reset(min(grace, terminateGrace))
		select {
		case <-p.done:
			return ErrExitTimeout
		case <-timer.C:
		}
		p.logger.Warn("process ignored SIGTERM, killing", "process", p.Name)
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && !p.HasExited() {
		return fmt.Errorf("kill %s: %w", p.Name, err)
	}
	<-p.done
	return ErrExitTimeout
}

// Runtime returns the duration the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// start starts the process and begins tracking it.
// This is called by the Supervisor.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	if p.readyMarker != "" && p.stdout == nil {
		p.logger.Warn("stdout not watched, readiness marker cannot be seen", "process", p.Name)
	}

	if err := p.Cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	if p.readyMarker == "" {
		p.markReady()
	}

	go p.waitLoop()

	return nil
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// waitLoop waits for the process to exit and updates state.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()
		p.stdout.flush()
		p.stderr.flush()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		exitCode := 0
		state := StateExited

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		p.logger.Debug("process exited", "process", p.Name, "code", exitCode, "state", state)
		close(p.done)
	})
}

// outputWriter receives one output stream of the process, logs it line by
// line and reports the first line containing the readiness marker.
type outputWriter struct {
	proc   *Process
	stream string
	level  slog.Level
	marker []byte

	mu      sync.Mutex
	partial []byte
}

func newOutputWriter(p *Process, stream string, level slog.Level, marker string) *outputWriter {
	w := &outputWriter{proc: p, stream: stream, level: level}
	if marker != "" {
		w.marker = []byte(marker)
	}
	return w
}

func (w *outputWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, b...)

	// The marker may arrive split across writes and before any newline.
	if w.marker != nil && bytes.Contains(w.partial, w.marker) {
		w.marker = nil
		w.proc.logger.Debug("process ready", "process", w.proc.Name)
		w.proc.markReady()
	}

	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.log(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

func (w *outputWriter) flush() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log(w.partial)
	w.partial = nil
}

func (w *outputWriter) log(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.proc.logger.Log(context.Background(), w.level, "process output",
		"process", w.proc.Name, w.stream, string(line))
}
