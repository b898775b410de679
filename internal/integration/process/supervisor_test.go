package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// syncBuffer is a log sink safe for the concurrent writes of the output
// watchers.
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

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// tracked returns the number of processes the supervisor still manages.
func tracked(s *Supervisor) int {
	return len(s.snapshot())
}

func TestNewSupervisor(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if tracked(s) != 0 {
		t.Errorf("expected 0 processes, got %d", tracked(s))
	}

	if s.IsShuttingDown() {
		t.Error("expected IsShuttingDown() to be false")
	}
}

func TestSupervisor_Start(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("sleeper", exec.Command("sleep", "10"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	if proc.ID == "" {
		t.Error("expected a generated ID")
	}

	if s.Get(proc.ID) != proc {
		t.Error("expected Get to return the started process")
	}

	if tracked(s) != 1 {
		t.Errorf("expected 1 process, got %d", tracked(s))
	}
}

func TestSupervisor_StartWithID_Duplicate(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if _, err := s.StartWithID("engine", "a", exec.Command("sleep", "10")); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	if _, err := s.StartWithID("engine", "b", exec.Command("sleep", "10")); err == nil {
		t.Error("expected error for duplicate ID")
	}
}

func TestSupervisor_WithMaxProcesses(t *testing.T) {
	s := NewSupervisor(WithMaxProcesses(1))
	defer s.Shutdown(time.Second)

	if _, err := s.Start("first", exec.Command("sleep", "10")); err != nil {
		t.Fatalf("failed to start first process: %v", err)
	}

	if _, err := s.Start("second", exec.Command("sleep", "10")); err == nil {
		t.Error("expected error when exceeding max processes")
	}
}

func TestSupervisor_StartFailure(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if _, err := s.Start("missing", exec.Command("/nonexistent/engine")); err == nil {
		t.Fatal("expected error starting a missing executable")
	}

	if tracked(s) != 0 {
		t.Errorf("failed start must not be tracked, got %d", tracked(s))
	}
}

func TestSupervisor_ReadyMarker(t *testing.T) {
	logger, logs := newTestLogger()
	s := NewSupervisor(WithLogger(logger))
	defer s.Shutdown(time.Second)

	cmd := exec.Command("sh", "-c", "echo starting; echo oops >&2; sleep 0.05; echo engine running; exec sleep 10")
	proc, err := s.Start("engine", cmd, WithReadyMarker("running"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if err := s.Kill(proc.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	<-proc.Done()

	if !strings.Contains(logs.String(), "stderr=oops") {
		t.Errorf("expected stderr to be logged, got:\n%s", logs.String())
	}
}

func TestSupervisor_ReadyMarkerSplitAcrossWrites(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	cmd := exec.Command("sh", "-c", "printf run; sleep 0.1; printf ning; exec sleep 10")
	proc, err := s.Start("engine", cmd, WithReadyMarker("running"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestSupervisor_ReadyTimeout(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("engine", exec.Command("sh", "-c", "echo starting; exec sleep 10"), WithReadyMarker("running"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := proc.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSupervisor_ExitBeforeReady(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("engine", exec.Command("sh", "-c", "echo license error; exit 3"), WithReadyMarker("running"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.WaitReady(ctx); !errors.Is(err, ErrExitedBeforeReady) {
		t.Errorf("expected ErrExitedBeforeReady, got %v", err)
	}
	if proc.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", proc.ExitCode())
	}
}

func TestSupervisor_WithProcessExitCallback(t *testing.T) {
	exited := make(chan *Process, 1)
	s := NewSupervisor(WithProcessExitCallback(func(p *Process) {
		exited <- p
	}))
	defer s.Shutdown(time.Second)

	proc, err := s.Start("test", exec.Command("echo", "hello"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	select {
	case p := <-exited:
		if p.ID != proc.ID {
			t.Error("callback received wrong process")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback was not called")
	}
}

func TestSupervisor_CallbackPanic(t *testing.T) {
	var called atomic.Bool
	s := NewSupervisor(WithProcessExitCallback(func(p *Process) {
		called.Store(true)
		panic("boom")
	}))

	proc, err := s.Start("test", exec.Command("true"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	<-proc.Done()
	s.waitForCleanup()

	if !called.Load() {
		t.Error("exit callback was not called")
	}
}

func TestSupervisor_Kill_NotFound(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if err := s.Kill("nonexistent"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := NewSupervisor()

	var procs []*Process
	for range 3 {
		proc, err := s.Start("sleep", exec.Command("sleep", "10"))
		if err != nil {
			t.Fatalf("failed to start process: %v", err)
		}
		procs = append(procs, proc)
	}

	start := time.Now()
	s.Shutdown(2 * time.Second)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took too long: %v", elapsed)
	}

	for _, p := range procs {
		if !p.HasExited() {
			t.Errorf("process %s still running after Shutdown", p.ID)
		}
	}

	if tracked(s) != 0 {
		t.Errorf("expected 0 processes after Shutdown, got %d", tracked(s))
	}
}

func TestSupervisor_Shutdown_KillsStubbornProcess(t *testing.T) {
	s := NewSupervisor()

	cmd := exec.Command("sh", "-c", "trap '' TERM; echo ready; exec sleep 10")
	proc, err := s.Start("stubborn", cmd, WithReadyMarker("ready"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	s.Shutdown(100 * time.Millisecond)

	if !proc.HasExited() {
		t.Error("expected stubborn process to be killed")
	}
}

func TestSupervisor_StartAfterShutdown(t *testing.T) {
	s := NewSupervisor()
	s.Shutdown(time.Second)
	s.Shutdown(time.Second)

	if !s.IsShuttingDown() {
		t.Error("expected IsShuttingDown() after Shutdown")
	}

	if _, err := s.Start("late", exec.Command("true")); !errors.Is(err, ErrSupervisorShutdown) {
		t.Errorf("expected ErrSupervisorShutdown, got %v", err)
	}
}

func TestSupervisor_Concurrent(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc, err := s.Start("echo", exec.Command("echo", "hello"))
			if err != nil {
				errs <- err
				return
			}
			<-proc.Done()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent start failed: %v", err)
	}

	s.waitForCleanup()
	if tracked(s) != 0 {
		t.Errorf("expected 0 processes, got %d", tracked(s))
	}
}
