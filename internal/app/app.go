// Package app wires configuration, logging, metrics and tracing around a
// debug session.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dshills/cspybridge/internal/config"
	"github.com/dshills/cspybridge/internal/integration/debug"
)

// ServiceName identifies the bridge in logs and traces.
const ServiceName = "cspybridge"

// Version is the bridge version, set at build time.
var Version = "dev"

// Options configures an Application.
type Options struct {
	// LogOutput receives log records. Defaults to stderr.
	LogOutput io.Writer

	// TraceOutput receives exported spans. Defaults to stderr.
	TraceOutput io.Writer

	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger
}

// Application owns the process-wide services of the bridge.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics *MetricsServer
	tracer  *TracerProvider

	mu       sync.Mutex
	sessions []*debug.Session
	closed   bool
}

// New initializes the application for cfg. On failure everything started
// so far is stopped.
func New(cfg *config.Config, opts Options) (*Application, error) {
	app := &Application{cfg: cfg}
	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// Config returns the application configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the application's root logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// MetricsAddr returns the metrics endpoint address, or "" if disabled.
func (app *Application) MetricsAddr() string {
	if app.metrics == nil {
		return ""
	}
	return app.metrics.Addr()
}

// StartSession starts a debug session from the configuration. Sessions
// still open at Shutdown are shut down with the application.
func (app *Application) StartSession(ctx context.Context, handlers debug.SessionHandlers) (*debug.Session, error) {
	app.mu.Lock()
	closed := app.closed
	app.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sc := app.cfg.SessionConfig(app.logger)
	sc.Handlers = handlers
	s, err := debug.StartSession(ctx, sc)
	if err != nil {
		return nil, err
	}

	app.mu.Lock()
	app.sessions = append(app.sessions, s)
	app.mu.Unlock()
	return s, nil
}

// Shutdown closes open sessions, then stops metrics and tracing.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	if app.closed {
		app.mu.Unlock()
		return nil
	}
	app.closed = true
	sessions := app.sessions
	app.sessions = nil
	app.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if app.metrics != nil {
		if err := app.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{app: app, opts: opts}
}

// bootstrap initializes all components in dependency order.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initLogging,
		b.initTracing,
		b.initMetrics,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initLogging() error {
	if b.opts.Logger != nil {
		b.app.logger = b.opts.Logger
	} else {
		b.app.logger = NewLogger(b.app.cfg.Logging, b.opts.LogOutput)
	}
	slog.SetDefault(b.app.logger)
	if src := b.app.cfg.Source; src != "" {
		b.app.logger.Debug("configuration loaded", "file", src)
	}
	return nil
}

func (b *bootstrapper) initTracing() error {
	if !b.app.cfg.Tracing.Enabled {
		return nil
	}
	w := b.opts.TraceOutput
	if w == nil {
		w = os.Stderr
	}
	tp, err := NewTracerProvider(ServiceName, Version, w)
	if err != nil {
		return &InitError{Component: "tracing", Err: err}
	}
	b.app.tracer = tp
	b.initOrder = append(b.initOrder, "tracing")
	return nil
}

func (b *bootstrapper) initMetrics() error {
	addr := b.app.cfg.Metrics.Addr
	if addr == "" {
		return nil
	}
	m, err := StartMetricsServer(addr, nil, b.app.logger.With("component", "metrics"))
	if err != nil {
		return &InitError{Component: "metrics", Err: err}
	}
	b.app.metrics = m
	b.initOrder = append(b.initOrder, "metrics")
	return nil
}

// cleanup performs cleanup in reverse initialization order.
func (b *bootstrapper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "tracing":
			_ = b.app.tracer.Shutdown(ctx)
			b.app.tracer = nil
		case "metrics":
			_ = b.app.metrics.Shutdown(ctx)
			b.app.metrics = nil
		}
	}
}
