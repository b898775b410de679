// Package runcontrol starts, steps and stops target cores and reports why
// each core stopped.
package runcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// StopReason is reported to the client when a core stops.
type StopReason string

const (
	ReasonEntry      StopReason = "entry"
	ReasonStep       StopReason = "step"
	ReasonBreakpoint StopReason = "breakpoint"
	ReasonPause      StopReason = "pause"
	ReasonExit       StopReason = "exit"
)

// Granularity is the unit of a step.
type Granularity string

const (
	GranularityStatement   Granularity = "statement"
	GranularityLine        Granularity = "line"
	GranularityInstruction Granularity = "instruction"
)

// ResetTarget is where Reset runs to.
const ResetTarget = "main"

var metricStops = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cspybridge",
	Subsystem: "runcontrol",
	Name:      "core_stops_total",
	Help:      "Core stops reported to the client, by reason.",
}, []string{"reason"})

// Debugger is the part of the engine's Debugger service used here.
type Debugger interface {
	NumberOfCores(ctx context.Context) (int32, error)
	CoreState(ctx context.Context, core int32) (cspy.CoreState, error)
	GoCore(ctx context.Context, core int32) error
	MultiGo(ctx context.Context, core int32) error
	StopCore(ctx context.Context, core int32) error
	Step(ctx context.Context, useInterval bool) error
	StepOver(ctx context.Context, useInterval bool) error
	StepOut(ctx context.Context) error
	InstructionStep(ctx context.Context) error
	InstructionStepOver(ctx context.Context) error
	RunToULE(ctx context.Context, ule string, allowSingleStep bool) error
	Reset(ctx context.Context) error
}

// Cores focuses one core, or all of them, around a task. *cores.Service
// implements it.
type Cores interface {
	PerformOnCore(ctx context.Context, core int32, task func(context.Context) error) error
	PerformOnAllCores(ctx context.Context, task func(context.Context) error) error
}

// StopHandler is called once for every core that stops.
type StopHandler func(core int32, reason StopReason)

// Service drives the target.
type Service struct {
	debugger Debugger
	cores    Cores
	nCores   int32
	logger   *slog.Logger

	mu       sync.Mutex
	expected map[int32]StopReason // cores that are running, or about to
	handlers []StopHandler
}

// New creates a Service for a target with nCores cores. Every core is
// expected to stop at its entry point first.
func New(debugger Debugger, cores Cores, nCores int32, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		debugger: debugger,
		cores:    cores,
		nCores:   nCores,
		logger:   logger,
		expected: make(map[int32]StopReason, nCores),
	}
	s.expectAll(ReasonEntry)
	return s
}

// OnCoreStopped registers h.
func (s *Service) OnCoreStopped(h StopHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Continue resumes one core, or all cores if core is nil.
func (s *Service) Continue(ctx context.Context, core *int32) error {
	if core != nil {
		s.expect(*core, ReasonBreakpoint)
		return s.cores.PerformOnCore(ctx, *core, func(ctx context.Context) error {
			return s.debugger.GoCore(ctx, *core)
		})
	}
	s.expectAll(ReasonBreakpoint)
	return s.cores.PerformOnAllCores(ctx, func(ctx context.Context) error {
		return s.debugger.MultiGo(ctx, -1)
	})
}

// Next steps over one statement or instruction.
func (s *Service) Next(ctx context.Context, core *int32, g Granularity) error {
	return s.performOnOneOrAll(ctx, core, ReasonStep, func(ctx context.Context) error {
		if g == GranularityInstruction {
			return s.debugger.InstructionStepOver(ctx)
		}
		return s.debugger.StepOver(ctx, false)
	})
}

// StepIn steps into one statement or instruction.
func (s *Service) StepIn(ctx context.Context, core *int32, g Granularity) error {
	return s.performOnOneOrAll(ctx, core, ReasonStep, func(ctx context.Context) error {
		if g == GranularityInstruction {
			return s.debugger.InstructionStep(ctx)
		}
		return s.debugger.Step(ctx, false)
	})
}

// StepOut runs until the current function returns.
func (s *Service) StepOut(ctx context.Context, core *int32) error {
	return s.performOnOneOrAll(ctx, core, ReasonStep, s.debugger.StepOut)
}

// Pause stops a core.
func (s *Service) Pause(ctx context.Context, core int32) error {
	return s.cores.PerformOnCore(ctx, core, func(ctx context.Context) error {
		s.expect(core, ReasonPause)
		return s.debugger.StopCore(ctx, core)
	})
}

// RunToULE runs one core, or all cores if core is nil, to a source
// location.
func (s *Service) RunToULE(ctx context.Context, core *int32, ule string) error {
	return s.performOnOneOrAll(ctx, core, ReasonEntry, func(ctx context.Context) error {
		return s.debugger.RunToULE(ctx, ule, false)
	})
}

// Reset resets the target and runs every core to main.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.debugger.Reset(ctx); err != nil {
		return cspy.NewOperationError("reset", "", err)
	}
	return s.RunToULE(ctx, nil, ResetTarget)
}

// MarkExit makes the next stop of every core report that the program
// exited.
func (s *Service) MarkExit() {
	s.expectAll(ReasonExit)
}

// HandleDebugEvent reacts to engine debug events. Only core stops are of
// interest.
func (s *Service) HandleDebugEvent(ctx context.Context, ev cspy.DebugEvent) error {
	if ev.Note != cspy.NotifyCoreStopped {
		return nil
	}
	return s.UpdateCoreStatus(ctx)
}

// UpdateCoreStatus polls the state of every core and reports each core
// that has stopped since it was last started.
func (s *Service) UpdateCoreStatus(ctx context.Context) error {
	n, err := s.debugger.NumberOfCores(ctx)
	if err != nil {
		return cspy.NewOperationError("getNumberOfCores", "", err)
	}

	states := make([]cspy.CoreState, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			st, err := s.debugger.CoreState(gctx, i)
			if err != nil {
				return cspy.NewOperationError("getCoreState", fmt.Sprintf("core %d", i), err)
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	type stop struct {
		core   int32
		reason StopReason
	}
	var stops []stop
	s.mu.Lock()
	for i, st := range states {
		core := int32(i)
		if st == cspy.CoreRunning {
			continue
		}
		reason, pending := s.expected[core]
		if !pending {
			continue
		}
		delete(s.expected, core)
		stops = append(stops, stop{core, reason})
	}
	handlers := append([]StopHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, st := range stops {
		s.logger.Info("core stopped", "core", st.core, "reason", st.reason)
		metricStops.WithLabelValues(string(st.reason)).Inc()
		for _, h := range handlers {
			h(st.core, st.reason)
		}
	}
	return nil
}

func (s *Service) performOnOneOrAll(ctx context.Context, core *int32, reason StopReason, task func(context.Context) error) error {
	if core != nil {
		s.expect(*core, reason)
		return s.cores.PerformOnCore(ctx, *core, task)
	}
	s.expectAll(reason)
	return s.cores.PerformOnAllCores(ctx, task)
}

func (s *Service) expect(core int32, reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[core] = reason
}

func (s *Service) expectAll(reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nCores {
		s.expected[i] = reason
	}
}
