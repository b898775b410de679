// Package cores serializes work that depends on the engine's focused core.
//
// The engine has a single focused core at a time. Anything that reads or
// drives a specific core first focuses it, and two such operations must not
// interleave, so every focus change and the work that depends on it run
// under one mutex.
package cores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// DefaultAllCoresMenuItem is the cores window context-menu entry that makes
// run control apply to every core.
const DefaultAllCoresMenuItem = "Apply Run Control to All Cores"

// Window is the cores list window. *listwindow.Window implements it.
type Window interface {
	DoubleClickRow(ctx context.Context, row int64, col int32) error
	ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error)
	ClickContextMenu(ctx context.Context, command int32) error
	Close(ctx context.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithAllCoresMenuItem sets the text of the context-menu entry used by
// PerformOnAllCores.
func WithAllCoresMenuItem(text string) Option {
	return func(s *Service) {
		if text != "" {
			s.allCoresItem = text
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service runs tasks with a given core focused.
type Service struct {
	nCores       int32
	window       Window
	allCoresItem string
	logger       *slog.Logger

	mu sync.Mutex
}

// New creates a service for a target with nCores cores. window may be nil
// when there is only one core; nothing can change focus then.
func New(nCores int32, window Window, opts ...Option) *Service {
	s := &Service{
		nCores:       nCores,
		window:       window,
		allCoresItem: DefaultAllCoresMenuItem,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NumberOfCores returns the number of cores the service was created for.
func (s *Service) NumberOfCores() int32 {
	return s.nCores
}

// PerformOnCore focuses core and runs task while holding focus.
func (s *Service) PerformOnCore(ctx context.Context, core int32, task func(context.Context) error) error {
	if s.window == nil {
		return task(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.window.DoubleClickRow(ctx, int64(core), 0); err != nil {
		return cspy.NewOperationError("performOnCore", fmt.Sprintf("core %d", core), err)
	}
	return task(ctx)
}

// PerformOnAllCores runs task with run control applying to every core. The
// previous run-control mode is restored afterwards.
func (s *Service) PerformOnAllCores(ctx context.Context, task func(context.Context) error) (err error) {
	if s.window == nil {
		return task(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.findAllCoresItem(ctx)
	if err != nil {
		return cspy.NewOperationError("performOnAllCores", "", err)
	}

	if !item.Checked {
		if err := s.window.ClickContextMenu(ctx, item.Command); err != nil {
			return cspy.NewOperationError("performOnAllCores", "", err)
		}
		defer func() {
			if rerr := s.window.ClickContextMenu(ctx, item.Command); rerr != nil {
				s.logger.Warn("failed to restore run control mode", "error", rerr)
				err = errors.Join(err, cspy.NewOperationError("performOnAllCores", "", rerr))
			}
		}()
	}
	return task(ctx)
}

func (s *Service) findAllCoresItem(ctx context.Context) (cspy.MenuItem, error) {
	items, err := s.window.ContextMenu(ctx, 0, 0)
	if err != nil {
		return cspy.MenuItem{}, err
	}
	for _, item := range items {
		if item.Text == s.allCoresItem {
			if !item.Enabled {
				return cspy.MenuItem{}, fmt.Errorf("%w: menu item %q is disabled", cspy.ErrProtocolDrift, item.Text)
			}
			return item, nil
		}
	}
	return cspy.MenuItem{}, fmt.Errorf("%w: no menu item %q in cores window", cspy.ErrProtocolDrift, s.allCoresItem)
}

// Close closes the cores window, if any.
func (s *Service) Close(ctx context.Context) error {
	if s.window == nil {
		return nil
	}
	return s.window.Close(ctx)
}

// OnCore runs task with core focused and returns its result.
func OnCore[T any](ctx context.Context, s *Service, core int32, task func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.PerformOnCore(ctx, core, func(ctx context.Context) error {
		var err error
		out, err = task(ctx)
		return err
	})
	return out, err
}
