package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Supervisor errors.
var (
	// ErrProcessNotFound is returned when a process ID is not tracked.
	ErrProcessNotFound = errors.New("process not found")

	// ErrSupervisorShutdown is returned when starting a process after Shutdown.
	ErrSupervisorShutdown = errors.New("supervisor is shut down")
)

// DefaultWaitDelay bounds how long output is drained after a process exits,
// for children that leave its pipes open.
const DefaultWaitDelay = time.Second

// Supervisor starts child processes and guarantees they do not outlive it.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool

	// maxProcesses limits the number of concurrent processes (0 = unlimited)
	maxProcesses int

	onProcessExit func(p *Process)
	logger        *slog.Logger
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrent processes.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithProcessExitCallback sets a callback for when processes exit.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onProcessExit = fn
	}
}

// WithLogger sets the logger handed to every process.
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// StartOption configures a single process.
type StartOption func(*Process)

// WithReadyMarker makes the process ready once text appears on its stdout.
func WithReadyMarker(text string) StartOption {
	return func(p *Process) {
		p.readyMarker = text
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start starts a new managed process under a fresh ID.
//
// Stdout and stderr are watched and logged unless the command already sets
// them; stdin is left unconnected.
func (s *Supervisor) Start(name string, cmd *exec.Cmd, opts ...StartOption) (*Process, error) {
	return s.StartWithID(uuid.NewString(), name, cmd, opts...)
}

// StartWithID starts a new managed process with a specific ID.
func (s *Supervisor) StartWithID(id, name string, cmd *exec.Cmd, opts ...StartOption) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsShuttingDown() {
		return nil, ErrSupervisorShutdown
	}

	if s.maxProcesses > 0 && len(s.processes) >= s.maxProcesses {
		return nil, fmt.Errorf("process limit reached: %d", s.maxProcesses)
	}

	if _, exists := s.processes[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	proc := NewProcess(id, name, cmd)
	proc.logger = s.logger
	for _, opt := range opts {
		opt(proc)
	}

	if cmd.Stdout == nil {
		proc.stdout = newOutputWriter(proc, "stdout", slog.LevelDebug, proc.readyMarker)
		cmd.Stdout = proc.stdout
	}
	if cmd.Stderr == nil {
		proc.stderr = newOutputWriter(proc, "stderr", slog.LevelWarn, "")
		cmd.Stderr = proc.stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	// Start before tracking so failed starts are never tracked.
	if err := proc.start(); err != nil {
		return nil, err
	}

	s.processes[id] = proc
	s.logger.Debug("process started", "process", name, "id", id, "pid", proc.PID())

	go s.monitorProcess(proc)

	return proc, nil
}

// monitorProcess watches for process exit and cleans up.
func (s *Supervisor) monitorProcess(proc *Process) {
	<-proc.Done()

	if s.onProcessExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("process exit callback panicked", "process", proc.Name, "panic", r)
				}
			}()
			s.onProcessExit(proc)
		}()
	}

	s.mu.Lock()
	delete(s.processes, proc.ID)
	s.mu.Unlock()
}

// Get returns a process by ID.
// Returns nil if the process is not found.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// Kill kills a process by ID.
// Returns ErrProcessNotFound if the process doesn't exist.
func (s *Supervisor) Kill(id string) error {
	proc := s.Get(id)
	if proc == nil {
		return ErrProcessNotFound
	}

	if !proc.IsRunning() {
		return nil // Already exited
	}

	return proc.Kill()
}

// Shutdown stops every process.
//
// It asks each process to terminate, waits up to timeout for them to exit
// and kills those still running. Shutdown blocks until all processes have
// exited and been removed.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	procs := s.snapshot()
	if len(procs) == 0 {
		return
	}

	for _, p := range procs {
		if p.IsRunning() {
			_ = p.Terminate()
		}
	}

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Stop(timeout)
		}()
	}
	wg.Wait()

	s.waitForCleanup()
}

// IsShuttingDown returns true if the supervisor is shutting down.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}

func (s *Supervisor) snapshot() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	return procs
}

// waitForCleanup waits for monitor goroutines to untrack exited processes.
func (s *Supervisor) waitForCleanup() {
	for {
		s.mu.RLock()
		count := 0
		for _, p := range s.processes {
			if p.HasExited() {
				count++
			}
		}
		s.mu.RUnlock()
		if count == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
