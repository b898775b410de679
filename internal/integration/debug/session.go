package debug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/cspybridge/internal/integration/debug/breakpoints"
	"github.com/dshills/cspybridge/internal/integration/debug/contexts"
	"github.com/dshills/cspybridge/internal/integration/debug/cores"
	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/disasm"
	"github.com/dshills/cspybridge/internal/integration/debug/listwindow"
	"github.com/dshills/cspybridge/internal/integration/debug/registry"
	"github.com/dshills/cspybridge/internal/integration/debug/runcontrol"
	"github.com/dshills/cspybridge/internal/integration/debug/services"
	"github.com/dshills/cspybridge/internal/integration/debug/variables"
	"github.com/dshills/cspybridge/internal/integration/process"
)

// SessionState represents the lifecycle state of a session.
type SessionState int32

const (
	// StateStarting is the state while the engine is launched and wired.
	StateStarting SessionState = iota
	// StateReady is when every service is connected.
	StateReady
	// StateShuttingDown is while the engine is being stopped.
	StateShuttingDown
	// StateClosed is after Shutdown has finished.
	StateClosed
)

// String returns a string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine launch constants.
const (
	// EngineName is the base name of the engine executable.
	EngineName = "CSpyServer2"
	// ReadyMarker is printed by the engine once its registry is up.
	ReadyMarker = "running"

	tempDirName     = "cspybridge"
	eventBufferSize = 256
)

// DefaultEngineArgs are the arguments the engine is always started with.
var DefaultEngineArgs = []string{"-standalone", "-sockets"}

// WindowNames names the engine list windows a session opens.
type WindowNames struct {
	Locals    string
	Statics   string
	Registers string
	Cores     string

	// AllCoresMenuItem is the cores window menu entry that makes run
	// control apply to every core.
	AllCoresMenuItem string
}

// SessionHandlers contains callbacks for session events. Any may be nil.
type SessionHandlers struct {
	// OnCoreStopped is called once for every core that stops.
	OnCoreStopped func(core int32, reason runcontrol.StopReason)

	// OnOutput is called with engine log messages meant for the user.
	OnOutput func(text string)

	// OnTerminated is called when the engine reports a fatal error or
	// exits without being asked to.
	OnTerminated func()
}

// SessionConfig configures a debug session.
type SessionConfig struct {
	// Workbench is the top-level directory of the installation that
	// provides the engine.
	Workbench string

	// Executable overrides the engine path derived from Workbench.
	Executable string

	// Args replaces DefaultEngineArgs.
	Args []string

	// NumCores is passed to the engine when the target has more than one
	// core. The engine is still asked how many cores it debugs.
	NumCores int

	// TempRoot is where the per-session working directory is created.
	// Empty means os.TempDir().
	TempRoot string

	ReadinessTimeout     time.Duration
	ServiceLookupTimeout time.Duration
	ExitTimeout          time.Duration
	UpdateWait           time.Duration

	Windows WindowNames

	LinesStartAt1   bool
	ColumnsStartAt1 bool

	// Prepare runs once the Debugger service is reachable and before any
	// window is opened, typically to start the engine session and load the
	// program.
	Prepare func(ctx context.Context, d *services.Debugger) error

	Handlers SessionHandlers
	Logger   *slog.Logger
}

// DefaultSessionConfig returns a default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadinessTimeout:     10 * time.Second,
		ServiceLookupTimeout: time.Second,
		ExitTimeout:          15 * time.Second,
		UpdateWait:           variables.DefaultUpdateWait,
		Windows: WindowNames{
			Locals:           variables.LocalsWindow,
			Statics:          variables.StaticsWindow,
			Registers:        variables.RegistersWindow,
			Cores:            CoresWindow,
			AllCoresMenuItem: cores.DefaultAllCoresMenuItem,
		},
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
	}
}

// CoresWindow is the engine's cores list window. Its second column
// identifies a core.
const CoresWindow = "WIN_CORES"

// withDefaults fills every unset field from DefaultSessionConfig.
func (cfg SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	setDuration(&cfg.ReadinessTimeout, def.ReadinessTimeout)
	setDuration(&cfg.ServiceLookupTimeout, def.ServiceLookupTimeout)
	setDuration(&cfg.ExitTimeout, def.ExitTimeout)
	setDuration(&cfg.UpdateWait, def.UpdateWait)

	setString := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	setString(&cfg.Windows.Locals, def.Windows.Locals)
	setString(&cfg.Windows.Statics, def.Windows.Statics)
	setString(&cfg.Windows.Registers, def.Windows.Registers)
	setString(&cfg.Windows.Cores, def.Windows.Cores)
	setString(&cfg.Windows.AllCoresMenuItem, def.Windows.AllCoresMenuItem)

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// EnginePath returns the path of the engine executable for cfg.
func (cfg SessionConfig) EnginePath() (string, error) {
	if cfg.Executable != "" {
		return cfg.Executable, nil
	}
	if cfg.Workbench == "" {
		return "", errors.New("no workbench or engine executable configured")
	}
	name := EngineName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(cfg.Workbench, "common", "bin", name), nil
}

// EngineArgs returns the command line arguments for the engine.
func (cfg SessionConfig) EngineArgs() []string {
	args := DefaultEngineArgs
	if cfg.Args != nil {
		args = cfg.Args
	}
	args = append([]string(nil), args...)
	if cfg.NumCores > 1 {
		args = append(args, fmt.Sprintf("--multicore_nr_of_cores=%d", cfg.NumCores))
	}
	return args
}

// Session owns one engine process and every service connected to it.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	state atomic.Int32

	tmpDir     string
	supervisor *process.Supervisor
	engine     *process.Process
	registry   *registry.Registry
	debugger   *services.Debugger

	nCores      int32
	cores       *cores.Service
	contexts    *contexts.Service
	disasm      *disasm.Builder
	runControl  *runcontrol.Service
	memory      *services.Memory
	breakpoints *breakpoints.Manager
	watches     *WatchList

	// windowBackend and windowHost open list windows; the defaults go
	// through the registry.
	windowBackend func(ctx context.Context, name string) (listwindow.Backend, error)
	windowHost    listwindow.Host

	// closers release windows and connections, last opened first.
	closers []func(context.Context) error

	events        chan cspy.DebugEvent
	eventHandlers []func(context.Context, cspy.DebugEvent) error
	dispatching   bool
	closing       chan struct{}
	eventsDone    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// StartSession launches the engine and connects every service of a session.
// On failure everything started so far is torn down.
func StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	s := newSession(cfg)
	if err := s.start(ctx); err != nil {
		s.logger.Error("session start failed", "error", err)
		_ = s.Shutdown(context.Background())
		return nil, err
	}
	s.state.Store(int32(StateReady))
	return s, nil
}

func newSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "session"),
		events:     make(chan cspy.DebugEvent, eventBufferSize),
		closing:    make(chan struct{}),
		eventsDone: make(chan struct{}),
	}
	s.windowBackend = s.findWindowBackend
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Session) start(ctx context.Context) error {
	path, err := s.cfg.EnginePath()
	if err != nil {
		return err
	}

	if err := s.launch(ctx, path); err != nil {
		return err
	}

	bootCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadinessTimeout)
	loc, err := registry.WaitForBootstrap(bootCtx, s.tmpDir)
	cancel()
	if err != nil {
		return cspy.NewOperationError("startSession", path, err)
	}

	s.registry, err = registry.Dial(ctx, loc,
		registry.WithLookupTimeout(s.cfg.ServiceLookupTimeout),
		registry.WithLogger(s.component("registry")),
	)
	if err != nil {
		return err
	}

	if err := s.startEventListener(ctx); err != nil {
		return err
	}

	c, err := s.registry.FindService(ctx, services.DebuggerService)
	if err != nil {
		return err
	}
	s.debugger = services.NewDebugger(c)

	if version, err := s.debugger.VersionString(ctx); err == nil {
		s.logger.Info("connected to engine", "version", version)
		s.output("Using C-SPY version: " + version + "\n")
	}

	if s.cfg.Prepare != nil {
		if err := s.cfg.Prepare(ctx, s.debugger); err != nil {
			return cspy.NewOperationError("prepareSession", "", err)
		}
	}

	// Most windows only exist once a program is loaded.
	return s.wire(ctx)
}

func (s *Session) launch(ctx context.Context, path string) error {
	root := s.cfg.TempRoot
	if root == "" {
		root = os.TempDir()
	}
	s.tmpDir = filepath.Join(root, tempDirName, uuid.NewString())
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	s.supervisor = process.NewSupervisor(
		process.WithMaxProcesses(1),
		process.WithLogger(s.component("engine")),
		process.WithProcessExitCallback(s.engineExited),
	)

	cmd := exec.Command(path, s.cfg.EngineArgs()...)
	cmd.Dir = s.tmpDir

	proc, err := s.supervisor.Start(EngineName, cmd, process.WithReadyMarker(ReadyMarker))
	if err != nil {
		return cspy.NewOperationError("launchEngine", path, err)
	}
	s.engine = proc
	s.logger.Info("engine launched", "path", path, "pid", proc.PID(), "dir", s.tmpDir)

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadinessTimeout)
	defer cancel()
	if err := proc.WaitReady(readyCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: engine not ready after %v", cspy.ErrTimeout, s.cfg.ReadinessTimeout)
		}
		_ = proc.Kill()
		return cspy.NewOperationError("launchEngine", path, err)
	}
	s.logger.Debug("engine ready")
	return nil
}

func (s *Session) startEventListener(ctx context.Context) error {
	handler := services.EventHandler{
		Debug: s.postDebugEvent,
		Log: func(ev cspy.LogEvent) {
			s.logger.Info("engine log", "text", ev.Text)
			s.output(ev.Text)
		},
	}
	_, err := s.registry.StartService(ctx, services.DebugEventService,
		services.NewDebugEventProcessor(handler, s.component("events")))
	return err
}

// wire connects the services that depend on a loaded program.
func (s *Session) wire(ctx context.Context) error {
	n, err := s.debugger.NumberOfCores(ctx)
	if err != nil {
		return cspy.NewOperationError("getNumberOfCores", "", err)
	}
	s.nCores = n

	var coresWindow cores.Window
	if n > 1 {
		w, err := s.openWindow(ctx, s.cfg.Windows.Cores, listwindow.WithIdentifyingColumns(1))
		if err != nil {
			return err
		}
		coresWindow = w
	}
	s.cores = cores.New(n, coresWindow,
		cores.WithAllCoresMenuItem(s.cfg.Windows.AllCoresMenuItem),
		cores.WithLogger(s.component("cores")))
	s.addCloser(s.cores.Close)

	providers := s.openProviders(ctx)

	cm, err := s.registry.FindService(ctx, services.ContextManagerService)
	if err != nil {
		return err
	}
	s.addCloser(closeClient(cm))
	s.contexts = contexts.New(s.debugger, services.NewContextManager(cm), s.cores, providers,
		contexts.WithLogger(s.component("contexts")))
	s.watches = NewWatchList(s.contexts)

	dis, err := s.registry.FindService(ctx, services.DisassemblyService)
	if err != nil {
		return err
	}
	s.addCloser(closeClient(dis))
	src, err := s.registry.FindService(ctx, services.SourceLookupService)
	if err != nil {
		return err
	}
	s.addCloser(closeClient(src))
	s.disasm = disasm.New(services.NewDisassembly(dis), services.NewSourceLookup(src),
		disasm.WithClientIndexing(s.cfg.LinesStartAt1, s.cfg.ColumnsStartAt1),
		disasm.WithLogger(s.component("disasm")))

	s.runControl = runcontrol.New(s.debugger, s.cores, n, s.component("runcontrol"))
	if h := s.cfg.Handlers.OnCoreStopped; h != nil {
		s.runControl.OnCoreStopped(h)
	}

	mem, err := s.registry.FindService(ctx, services.MemoryService)
	if err != nil {
		return err
	}
	s.addCloser(closeClient(mem))
	s.memory = services.NewMemory(mem)

	bp, err := s.registry.FindService(ctx, services.BreakpointsService)
	if err != nil {
		return err
	}
	s.addCloser(closeClient(bp))
	s.breakpoints = breakpoints.New(services.NewBreakpoints(bp),
		breakpoints.WithClientIndexing(s.cfg.LinesStartAt1, s.cfg.ColumnsStartAt1),
		breakpoints.WithLogger(s.component("breakpoints")))

	s.onDebugEvent(func(ctx context.Context, ev cspy.DebugEvent) error {
		if ev.Note == cspy.NotifyTargetStarted {
			s.contexts.Invalidate()
		}
		return nil
	})
	s.onDebugEvent(s.runControl.HandleDebugEvent)
	s.onDebugEvent(func(ctx context.Context, ev cspy.DebugEvent) error {
		if ev.Note == cspy.NotifyFatalError {
			s.logger.Error("engine reported a fatal error", "descr", ev.Descr)
			s.terminated()
		}
		return nil
	})
	s.dispatching = true
	go s.dispatchEvents()

	s.logger.Info("session ready", "cores", n)
	return nil
}

// openProviders opens the variable windows. A window that cannot be opened
// for any reason leaves its scope unsupported instead of failing the
// session; some engine versions serve these windows over a transport the
// bridge cannot talk to.
func (s *Session) openProviders(ctx context.Context) contexts.Providers {
	var p contexts.Providers
	names := s.cfg.Windows

	// Providers must stay untyped nil when absent.
	if w := s.openOptionalWindow(ctx, names.Locals, variables.LocalsColumns); w != nil {
		p.Locals = variables.NewListWindowProvider(w, variables.LocalsColumns, s.cfg.UpdateWait)
	}
	if w := s.openOptionalWindow(ctx, names.Statics, variables.LocalsColumns); w != nil {
		p.Statics = variables.NewListWindowProvider(w, variables.LocalsColumns, s.cfg.UpdateWait)
	}
	if w := s.openOptionalWindow(ctx, names.Registers, variables.RegistersColumns); w != nil {
		p.Registers = variables.NewRegistersProvider(w, s.cfg.UpdateWait)
	}
	return p
}

func (s *Session) openOptionalWindow(ctx context.Context, name string, cols variables.Columns) *listwindow.Window {
	w, err := s.openWindow(ctx, name, listwindow.WithIdentifyingColumns(cols.Identifying()...))
	if err != nil {
		s.logger.Warn("variables window unavailable", "window", name, "error", err)
		return nil
	}
	return w
}

func (s *Session) findWindowBackend(ctx context.Context, name string) (listwindow.Backend, error) {
	c, err := s.registry.FindService(ctx, name)
	if err != nil {
		return nil, err
	}
	return services.NewListWindowBackend(c), nil
}

func (s *Session) openWindow(ctx context.Context, name string, opts ...listwindow.Option) (*listwindow.Window, error) {
	backend, err := s.windowBackend(ctx, name)
	if err != nil {
		return nil, err
	}
	var host listwindow.Host = s.registry
	if s.windowHost != nil {
		host = s.windowHost
	}
	opts = append(opts,
		listwindow.WithUpdateWait(s.cfg.UpdateWait),
		listwindow.WithLogger(s.component("listwindow")))
	w, err := listwindow.Open(ctx, name, backend, host, opts...)
	if err != nil {
		return nil, err
	}
	s.addCloser(w.Close)
	return w, nil
}

func (s *Session) addCloser(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func closeClient(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

func (s *Session) onDebugEvent(h func(context.Context, cspy.DebugEvent) error) {
	s.eventHandlers = append(s.eventHandlers, h)
}

// postDebugEvent queues an event from the listener service. Events are
// handled in order on a single goroutine so that the listener never calls
// back into the engine while the engine waits on it.
func (s *Session) postDebugEvent(ev cspy.DebugEvent) {
	s.logger.Debug("debug event", "note", ev.Note.String(), "descr", ev.Descr)
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func (s *Session) dispatchEvents() {
	defer close(s.eventsDone)
	ctx := context.Background()
	for {
		select {
		case <-s.closing:
			return
		case ev := <-s.events:
			for _, h := range s.eventHandlers {
				if err := h(ctx, ev); err != nil {
					s.logger.Warn("debug event handler failed", "note", ev.Note.String(), "error", err)
				}
			}
		}
	}
}

func (s *Session) engineExited(p *process.Process) {
	if s.State() != StateReady {
		s.logger.Debug("engine exited", "code", p.ExitCode(), "runtime", p.Runtime())
		return
	}
	s.logger.Error("engine exited unexpectedly", "code", p.ExitCode(), "runtime", p.Runtime(), "error", p.ExitError())
	s.output(fmt.Sprintf("The debugger backend crashed (code %d).\n", p.ExitCode()))
	s.terminated()
}

func (s *Session) output(text string) {
	if h := s.cfg.Handlers.OnOutput; h != nil {
		h(text)
	}
}

func (s *Session) terminated() {
	if h := s.cfg.Handlers.OnTerminated; h != nil {
		h()
	}
}

func (s *Session) component(name string) *slog.Logger {
	return s.cfg.Logger.With("component", name)
}

// Shutdown asks the engine to exit, stops every hosted service and waits
// for the engine process, killing it if it does not exit in time. The
// session directory is removed. Shutdown is idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))
		s.shutdownErr = s.teardown(ctx)
		s.state.Store(int32(StateClosed))
	})
	return s.shutdownErr
}

func (s *Session) teardown(ctx context.Context) error {
	var errs []error

	close(s.closing)
	if s.dispatching {
		<-s.eventsDone
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil

	if s.debugger != nil {
		if s.engine != nil && !s.engine.HasExited() {
			if err := s.debugger.Exit(ctx); err != nil {
				s.logger.Warn("engine exit request failed", "error", err)
			}
		}
		_ = s.debugger.Close()
	}

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.engine != nil {
		if s.debugger == nil {
			// Nothing asked the engine to exit.
			_ = s.supervisor.Kill(s.engine.ID)
		}
		if err := s.engine.Stop(s.cfg.ExitTimeout); err != nil {
			if errors.Is(err, process.ErrExitTimeout) {
				s.logger.Warn("engine did not exit in time and was killed", "timeout", s.cfg.ExitTimeout)
			} else {
				errs = append(errs, err)
			}
		}
	}
	if s.supervisor != nil {
		s.supervisor.Shutdown(s.cfg.ExitTimeout)
	}

	if s.tmpDir != "" {
		if err := os.RemoveAll(s.tmpDir); err != nil {
			errs = append(errs, fmt.Errorf("remove session directory: %w", err))
		}
	}

	s.logger.Info("session closed")
	return errors.Join(errs...)
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// TempDir returns the engine's working directory.
func (s *Session) TempDir() string {
	return s.tmpDir
}

// NumberOfCores returns the number of cores the engine debugs.
func (s *Session) NumberOfCores() int32 {
	return s.nCores
}

// Registry returns the engine's service registry.
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Debugger returns the Debugger service client.
func (s *Session) Debugger() *services.Debugger {
	return s.debugger
}

// Cores returns the core focus serializer.
func (s *Session) Cores() *cores.Service {
	return s.cores
}

// Contexts returns the stack, scope and variable service.
func (s *Session) Contexts() *contexts.Service {
	return s.contexts
}

// Disassembly returns the disassembly builder.
func (s *Session) Disassembly() *disasm.Builder {
	return s.disasm
}

// RunControl returns the run control service.
func (s *Session) RunControl() *runcontrol.Service {
	return s.runControl
}

// Breakpoints returns the breakpoint manager.
func (s *Session) Breakpoints() *breakpoints.Manager {
	return s.breakpoints
}

// Memory returns the memory service client.
func (s *Session) Memory() *services.Memory {
	return s.memory
}

// Watches returns the session's watch expressions.
func (s *Session) Watches() *WatchList {
	return s.watches
}
