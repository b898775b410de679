package debug

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/registry"
	"github.com/dshills/cspybridge/internal/integration/process"
)

// fakeWorkbench installs script as the engine of a new workbench directory.
func fakeWorkbench(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine stand-in is a shell script")
	}
	wb := t.TempDir()
	bin := filepath.Join(wb, "common", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, EngineName), []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return wb
}

func testConfig(t *testing.T, workbench string) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Workbench = workbench
	cfg.TempRoot = t.TempDir()
	cfg.ReadinessTimeout = 2 * time.Second
	cfg.ExitTimeout = 200 * time.Millisecond
	return cfg
}

func assertNoSessionDirs(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, tempDirName))
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "session directory left behind")
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateStarting, "starting"},
		{StateReady, "ready"},
		{StateShuttingDown, "shutting down"},
		{StateClosed, "closed"},
		{SessionState(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestSessionConfig_EnginePath(t *testing.T) {
	cfg := SessionConfig{Workbench: "/opt/ewarm"}
	path, err := cfg.EnginePath()
	require.NoError(t, err)

	want := filepath.Join("/opt/ewarm", "common", "bin", "CSpyServer2")
	if runtime.GOOS == "windows" {
		want += ".exe"
	}
	assert.Equal(t, want, path)

	cfg.Executable = "/usr/local/bin/engine"
	path, err = cfg.EnginePath()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/engine", path)

	_, err = SessionConfig{}.EnginePath()
	assert.Error(t, err)
}

func TestSessionConfig_EngineArgs(t *testing.T) {
	assert.Equal(t, []string{"-standalone", "-sockets"}, SessionConfig{}.EngineArgs())
	assert.Equal(t, []string{"-standalone", "-sockets", "--multicore_nr_of_cores=2"},
		SessionConfig{NumCores: 2}.EngineArgs())
	assert.Equal(t, []string{"-x"}, SessionConfig{Args: []string{"-x"}, NumCores: 1}.EngineArgs())

	// The defaults must not be modified by appends.
	_ = SessionConfig{NumCores: 4}.EngineArgs()
	assert.Equal(t, []string{"-standalone", "-sockets"}, DefaultEngineArgs)
}

func TestSessionConfig_WithDefaults(t *testing.T) {
	cfg := SessionConfig{
		ExitTimeout: time.Second,
		Windows:     WindowNames{Locals: "MY_LOCALS"},
	}.withDefaults()

	assert.Equal(t, time.Second, cfg.ExitTimeout)
	assert.Equal(t, 10*time.Second, cfg.ReadinessTimeout)
	assert.Equal(t, time.Second, cfg.ServiceLookupTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.UpdateWait)
	assert.Equal(t, "MY_LOCALS", cfg.Windows.Locals)
	assert.Equal(t, "WIN_STATICS", cfg.Windows.Statics)
	assert.Equal(t, "WIN_REGISTER_1", cfg.Windows.Registers)
	assert.Equal(t, CoresWindow, cfg.Windows.Cores)
	assert.NotEmpty(t, cfg.Windows.AllCoresMenuItem)
	assert.NotNil(t, cfg.Logger)
}

func TestStartSession_NoWorkbench(t *testing.T) {
	_, err := StartSession(context.Background(), SessionConfig{TempRoot: t.TempDir()})
	assert.Error(t, err)
}

func TestStartSession_ReadinessTimeout(t *testing.T) {
	wb := fakeWorkbench(t, "echo starting\nexec sleep 30")
	cfg := testConfig(t, wb)
	cfg.ReadinessTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := StartSession(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, cspy.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	var opErr *cspy.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "launchEngine", opErr.Op)

	assertNoSessionDirs(t, cfg.TempRoot)
}

func TestStartSession_EngineExitsEarly(t *testing.T) {
	wb := fakeWorkbench(t, "echo license check failed\nexit 3")
	cfg := testConfig(t, wb)

	var terminated bool
	cfg.Handlers.OnTerminated = func() { terminated = true }

	_, err := StartSession(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrExitedBeforeReady)
	assert.False(t, terminated, "a failed start must not report termination")

	assertNoSessionDirs(t, cfg.TempRoot)
}

func TestStartSession_RegistryUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	bootstrap := fmt.Sprintf(`{"1":{"str":"127.0.0.1"},"2":{"i32":%d},"3":{"i32":0},"4":{"i32":0}}`, port)
	t.Setenv("FAKE_BOOTSTRAP", bootstrap)

	// The engine starts in the session directory.
	wb := fakeWorkbench(t, fmt.Sprintf("printf '%%s' \"$FAKE_BOOTSTRAP\" > %s\necho running\nexec sleep 30", registry.BootstrapFile))
	cfg := testConfig(t, wb)

	start := time.Now()
	_, err = StartSession(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, cspy.ErrServiceUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second, "engine should be killed without waiting for exit")

	assertNoSessionDirs(t, cfg.TempRoot)
}

func TestSession_DispatchesEventsInOrder(t *testing.T) {
	s := newSession(DefaultSessionConfig().withDefaults())

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	record := func(tag string) func(context.Context, cspy.DebugEvent) error {
		return func(_ context.Context, ev cspy.DebugEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, fmt.Sprintf("%s:%s", tag, ev.Descr))
			if len(got) == 6 {
				close(done)
			}
			return nil
		}
	}
	s.onDebugEvent(record("a"))
	s.onDebugEvent(func(context.Context, cspy.DebugEvent) error {
		return fmt.Errorf("handler failure is logged only")
	})
	s.onDebugEvent(record("b"))
	s.dispatching = true
	go s.dispatchEvents()

	for i := range 3 {
		s.postDebugEvent(cspy.DebugEvent{Note: cspy.NotifyCoreStopped, Descr: fmt.Sprint(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not dispatched")
	}

	assert.Equal(t, []string{"a:0", "b:0", "a:1", "b:1", "a:2", "b:2"}, got)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, s.State())

	// Posting after shutdown must not block.
	s.postDebugEvent(cspy.DebugEvent{Note: cspy.NotifyTargetStopped})
}

func TestSession_ShutdownIdempotent(t *testing.T) {
	s := newSession(DefaultSessionConfig().withDefaults())
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_EngineExitedReportsCrashWhenReady(t *testing.T) {
	var (
		outputs    []string
		terminated int
	)
	cfg := DefaultSessionConfig()
	cfg.Handlers.OnOutput = func(text string) { outputs = append(outputs, text) }
	cfg.Handlers.OnTerminated = func() { terminated++ }
	s := newSession(cfg.withDefaults())

	p := process.NewProcess("id", EngineName, nil)

	s.engineExited(p)
	assert.Zero(t, terminated, "exit while starting is not a crash")

	s.state.Store(int32(StateReady))
	s.engineExited(p)
	assert.Equal(t, 1, terminated)
	require.Len(t, outputs, 1)
	assert.Contains(t, outputs[0], "crashed")
}
