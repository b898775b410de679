// Package breakpoints keeps the engine's breakpoints in step with the
// breakpoints the client wants.
package breakpoints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/services"
)

// ErrConditionUnsupported is reported for conditional breakpoints and
// logpoints, which the engine's ULE breakpoints cannot express.
var ErrConditionUnsupported = errors.New("the driver does not support conditional breakpoints of this type")

var ulePattern = regexp.MustCompile(`^\{(.+)\}\.(\d+)\.(\d+)$`)

// Engine is the engine's Breakpoints service. *services.Breakpoints
// implements it.
type Engine interface {
	Remove(ctx context.Context, id int32) error
	SetOnULE(ctx context.Context, ule string, access int32) (cspy.Breakpoint, error)
}

// installed pairs a breakpoint the client asked for with the engine
// breakpoint set for it.
type installed[T comparable] struct {
	want T
	bp   cspy.Breakpoint
}

// Manager tracks the breakpoints installed for each source file, plus the
// client's instruction and data breakpoints.
type Manager struct {
	engine Engine
	logger *slog.Logger

	linesStartAt1   bool
	columnsStartAt1 bool

	mu          sync.Mutex
	installed   map[string][]installed[dap.SourceBreakpoint]
	instruction []installed[dap.InstructionBreakpoint]
	data        []installed[dap.DataBreakpoint]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClientIndexing sets whether the client counts lines and columns from
// 1, as the engine does, or from 0.
func WithClientIndexing(linesStartAt1, columnsStartAt1 bool) Option {
	return func(m *Manager) {
		m.linesStartAt1 = linesStartAt1
		m.columnsStartAt1 = columnsStartAt1
	}
}

// New creates a Manager.
func New(engine Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:          engine,
		logger:          slog.Default(),
		linesStartAt1:   true,
		columnsStartAt1: true,
		installed:       make(map[string][]installed[dap.SourceBreakpoint]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// placement is where and how one wanted breakpoint goes into the engine.
type placement struct {
	ule    string
	access int32
}

// outcome is the engine breakpoint set for one wanted breakpoint, or the
// reason none was.
type outcome struct {
	bp  cspy.Breakpoint
	err error
}

// reconcile removes the installed breakpoints no longer wanted and sets the
// new ones. Kept breakpoints are not reinstalled. place returns an error for
// breakpoints the engine cannot express; those are reported, not set.
func reconcile[T comparable](ctx context.Context, m *Manager, current []installed[T], wanted []T, place func(T) (placement, error)) ([]installed[T], []outcome, error) {
	var keep, drop []installed[T]
	for _, inst := range current {
		if slices.Contains(wanted, inst.want) {
			keep = append(keep, inst)
		} else {
			drop = append(drop, inst)
		}
	}
	if err := m.removeIDs(ctx, appendIDs(nil, drop)); err != nil {
		return nil, nil, err
	}

	outcomes := make([]outcome, len(wanted))
	for i, want := range wanted {
		if j := slices.IndexFunc(keep, func(inst installed[T]) bool { return inst.want == want }); j >= 0 {
			outcomes[i] = outcome{bp: keep[j].bp}
			continue
		}
		p, err := place(want)
		if err != nil {
			outcomes[i] = outcome{err: err}
			continue
		}
		m.logger.Debug("setting breakpoint", "ule", p.ule, "access", p.access)
		bp, err := m.engine.SetOnULE(ctx, p.ule, p.access)
		if err != nil {
			m.logger.Warn("breakpoint rejected", "ule", p.ule, "error", err)
			outcomes[i] = outcome{err: err}
			continue
		}
		keep = append(keep, installed[T]{want: want, bp: bp})
		outcomes[i] = outcome{bp: bp}
	}
	return keep, outcomes, nil
}

// SetSourceBreakpoints makes wanted the complete set of breakpoints in
// path. Breakpoints no longer wanted are removed and new ones are added;
// the result has one entry per wanted breakpoint, in order.
func (m *Manager) SetSourceBreakpoints(ctx context.Context, path string, wanted []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	if path == "" {
		return nil, errors.New("cannot set breakpoints without a path")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keep, outcomes, err := reconcile(ctx, m, m.installed[path], wanted, func(want dap.SourceBreakpoint) (placement, error) {
		if want.Condition != "" || want.HitCondition != "" || want.LogMessage != "" {
			return placement{}, ErrConditionUnsupported
		}
		return placement{ule: m.sourceULE(path, want), access: services.AccessFetch}, nil
	})
	if err != nil {
		return nil, cspy.NewOperationError("setBreakpoints", path, err)
	}

	source := &dap.Source{Name: baseName(path), Path: path}
	results := make([]dap.Breakpoint, len(wanted))
	for i, want := range wanted {
		if outcomes[i].err != nil {
			results[i] = unverified(want, source, outcomes[i].err)
			continue
		}
		results[i] = m.toDAP(want, outcomes[i].bp, source)
	}

	if len(keep) == 0 {
		delete(m.installed, path)
	} else {
		m.installed[path] = keep
	}
	return results, nil
}

// SetInstructionBreakpoints makes wanted the complete set of instruction
// breakpoints. Each is set on its address plus offset.
func (m *Manager) SetInstructionBreakpoints(ctx context.Context, wanted []dap.InstructionBreakpoint) ([]dap.Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep, outcomes, err := reconcile(ctx, m, m.instruction, wanted, func(want dap.InstructionBreakpoint) (placement, error) {
		if want.Condition != "" || want.HitCondition != "" {
			return placement{}, ErrConditionUnsupported
		}
		ule, err := instructionULE(want)
		if err != nil {
			return placement{}, err
		}
		return placement{ule: ule, access: services.AccessFetch}, nil
	})
	if err != nil {
		return nil, cspy.NewOperationError("setInstructionBreakpoints", "", err)
	}
	m.instruction = keep

	results := make([]dap.Breakpoint, len(wanted))
	for i, want := range wanted {
		if outcomes[i].err != nil {
			results[i] = dap.Breakpoint{Message: outcomes[i].err.Error(), InstructionReference: want.InstructionReference}
			continue
		}
		bp := outcomes[i].bp
		results[i] = dap.Breakpoint{
			ID:                   int(bp.ID),
			Verified:             bp.Valid,
			Message:              bp.Description,
			InstructionReference: bp.ULE,
		}
	}
	return results, nil
}

// SetDataBreakpoints makes wanted the complete set of data breakpoints. The
// data id is the ULE of the watched location.
func (m *Manager) SetDataBreakpoints(ctx context.Context, wanted []dap.DataBreakpoint) ([]dap.Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep, outcomes, err := reconcile(ctx, m, m.data, wanted, func(want dap.DataBreakpoint) (placement, error) {
		if want.Condition != "" || want.HitCondition != "" {
			return placement{}, ErrConditionUnsupported
		}
		if want.DataID == "" {
			return placement{}, errors.New("data breakpoint has no data id")
		}
		return placement{ule: want.DataID, access: m.dataAccess(want.AccessType)}, nil
	})
	if err != nil {
		return nil, cspy.NewOperationError("setDataBreakpoints", "", err)
	}
	m.data = keep

	results := make([]dap.Breakpoint, len(wanted))
	for i, want := range wanted {
		if outcomes[i].err != nil {
			results[i] = dap.Breakpoint{Message: outcomes[i].err.Error(), InstructionReference: want.DataID}
			continue
		}
		bp := outcomes[i].bp
		ref := bp.ULE
		if ref == "" {
			ref = want.DataID
		}
		results[i] = dap.Breakpoint{
			ID:                   int(bp.ID),
			Verified:             bp.Valid,
			Message:              bp.Description,
			InstructionReference: ref,
		}
	}
	return results, nil
}

// ClearAll removes every breakpoint this manager installed.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int32
	for _, bps := range m.installed {
		ids = appendIDs(ids, bps)
	}
	ids = appendIDs(ids, m.instruction)
	ids = appendIDs(ids, m.data)
	m.installed = make(map[string][]installed[dap.SourceBreakpoint])
	m.instruction, m.data = nil, nil
	if err := m.removeIDs(ctx, ids); err != nil {
		return cspy.NewOperationError("clearBreakpoints", "", err)
	}
	return nil
}

// Installed returns the number of breakpoints installed in path.
func (m *Manager) Installed(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installed[path])
}

func appendIDs[T comparable](ids []int32, bps []installed[T]) []int32 {
	for _, inst := range bps {
		ids = append(ids, inst.bp.ID)
	}
	return ids
}

func (m *Manager) removeIDs(ctx context.Context, ids []int32) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return m.engine.Remove(gctx, id)
		})
	}
	return g.Wait()
}

func (m *Manager) dataAccess(t dap.DataBreakpointAccessType) int32 {
	switch t {
	case dap.AccessRead:
		return services.AccessRead
	case dap.AccessWrite:
		return services.AccessWrite
	case dap.AccessReadWrite, "":
		return services.AccessReadWrite
	}
	m.logger.Warn("unknown data breakpoint access type, using readWrite", "accessType", t)
	return services.AccessReadWrite
}

// instructionULE returns the address ULE for an instruction breakpoint. A
// zero offset leaves the reference as the client gave it.
func instructionULE(bp dap.InstructionBreakpoint) (string, error) {
	if bp.Offset == 0 {
		if bp.InstructionReference == "" {
			return "", errors.New("instruction breakpoint has no address")
		}
		return bp.InstructionReference, nil
	}
	addr, err := strconv.ParseUint(bp.InstructionReference, 0, 64)
	if err != nil {
		return "", fmt.Errorf("instruction reference %q is not an address: %w", bp.InstructionReference, err)
	}
	return fmt.Sprintf("0x%x", addr+uint64(int64(bp.Offset))), nil
}

func (m *Manager) sourceULE(path string, bp dap.SourceBreakpoint) string {
	line := bp.Line
	if !m.linesStartAt1 {
		line++
	}
	col := 1
	if bp.Column > 0 {
		col = bp.Column
		if !m.columnsStartAt1 {
			col++
		}
	}
	return FormatULE(path, line, col)
}

func (m *Manager) toDAP(want dap.SourceBreakpoint, bp cspy.Breakpoint, source *dap.Source) dap.Breakpoint {
	out := dap.Breakpoint{
		ID:       int(bp.ID),
		Verified: bp.Valid,
		Message:  bp.Description,
		Source:   source,
		Line:     want.Line,
		Column:   want.Column,
	}
	if bp.IsULEBased {
		if _, line, col, err := ParseULE(bp.ULE); err == nil {
			out.Line, out.Column = line, col
			if !m.linesStartAt1 {
				out.Line--
			}
			if !m.columnsStartAt1 {
				out.Column--
			}
		}
	}
	return out
}

func unverified(want dap.SourceBreakpoint, source *dap.Source, err error) dap.Breakpoint {
	return dap.Breakpoint{
		Verified: false,
		Message:  err.Error(),
		Source:   source,
		Line:     want.Line,
		Column:   want.Column,
	}
}

// FormatULE returns the engine's name for a source position.
func FormatULE(path string, line, col int) string {
	return fmt.Sprintf("{%s}.%d.%d", path, line, col)
}

// ParseULE splits a source ULE into its path, line and column.
func ParseULE(ule string) (path string, line, col int, err error) {
	m := ulePattern.FindStringSubmatch(ule)
	if m == nil {
		return "", 0, 0, fmt.Errorf("not a source location: %q", ule)
	}
	line, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, 0, err
	}
	col, err = strconv.Atoi(m[3])
	if err != nil {
		return "", 0, 0, err
	}
	return m[1], line, col, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
