package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/cspybridge/internal/app"
	"github.com/dshills/cspybridge/internal/config"
	"github.com/dshills/cspybridge/internal/integration/debug"
	"github.com/dshills/cspybridge/internal/integration/debug/runcontrol"
)

// shutdownTimeout bounds the final application shutdown.
const shutdownTimeout = 30 * time.Second

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	var opts []config.Option
	if flags.configPath != "" {
		opts = append(opts, config.WithFile(flags.configPath))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}

	if flags.workbench != "" {
		cfg.Engine.Workbench = flags.workbench
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if flags.trace {
		cfg.Tracing.Enabled = true
	}
	return cfg, cfg.Validate()
}

// coreStop is a stop reported by the engine.
type coreStop struct {
	core   int32
	reason runcontrol.StopReason
}

// sessionFunc is the body of a command that needs a running session.
// Stops reported by the engine arrive on stops.
type sessionFunc func(ctx context.Context, s *debug.Session, out io.Writer, stops <-chan coreStop) error

// withSession starts a session, runs fn and shuts everything down. An
// interrupt cancels fn's context.
func withSession(cmd *cobra.Command, fn sessionFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, app.Options{LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			application.Logger().Warn("shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	stops := make(chan coreStop, 64)
	handlers := debug.SessionHandlers{
		OnCoreStopped: func(core int32, reason runcontrol.StopReason) {
			select {
			case stops <- coreStop{core: core, reason: reason}:
			default:
			}
		},
		OnOutput: func(text string) {
			fmt.Fprint(cmd.ErrOrStderr(), text)
		},
		OnTerminated: func() {
			application.Logger().Error("debug session terminated by the engine")
			stop()
		},
	}

	s, err := application.StartSession(ctx, handlers)
	if err != nil {
		return err
	}
	return fn(ctx, s, out, stops)
}

// checkCore rejects a --core outside the target's cores.
func checkCore(s *debug.Session) error {
	if flags.core < 0 || flags.core >= s.NumberOfCores() {
		return fmt.Errorf("core %d out of range (target has %d)", flags.core, s.NumberOfCores())
	}
	return nil
}
