package variables

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/handles"
	"github.com/dshills/cspybridge/internal/integration/debug/listwindow"
)

// Window names of the engine's variable windows.
const (
	LocalsWindow    = "WIN_LOCALS"
	StaticsWindow   = "WIN_STATICS"
	RegistersWindow = "WIN_REGISTER_1"
)

// Window is the part of a list window a provider uses.
// *listwindow.Window implements it.
type Window interface {
	TopLevelRows(ctx context.Context) ([]listwindow.RowReference, error)
	ChildrenOf(ctx context.Context, ref listwindow.RowReference) ([]listwindow.RowReference, error)
	SetValueOf(ctx context.Context, ref listwindow.RowReference, col int, value string) (string, error)
	NextChange() <-chan struct{}
	ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error)
	ClickContextMenu(ctx context.Context, command int32) error
	Close(ctx context.Context) error
}

// Columns says which window column holds which part of a variable. Absent
// columns are -1.
type Columns struct {
	Name     int
	Value    int
	Location int
	Type     int
}

// Identifying returns the columns that identify a row among its siblings.
func (c Columns) Identifying() []int {
	if c.Type < 0 {
		return []int{c.Name}
	}
	return []int{c.Name, c.Type}
}

var (
	// LocalsColumns is the layout of the locals and statics windows.
	LocalsColumns = Columns{Name: 0, Value: 1, Location: 2, Type: 3}
	// RegistersColumns is the layout of the registers window.
	RegistersColumns = Columns{Name: 0, Value: 1, Location: -1, Type: -1}
)

// DefaultUpdateWait bounds how long reads wait for an imminent update.
const DefaultUpdateWait = 300 * time.Millisecond

var memoryLocation = regexp.MustCompile(`(?:\w+:)?(0x[a-fA-F0-9']+)`)

// ListWindowProvider provides the variables shown in a list window.
type ListWindowProvider struct {
	window     Window
	cols       Columns
	refs       *handles.Table[listwindow.RowReference]
	updateWait time.Duration

	mu     sync.Mutex
	update <-chan struct{}
}

// NewListWindowProvider creates a provider reading window with the given
// column layout. updateWait of 0 means DefaultUpdateWait.
func NewListWindowProvider(window Window, cols Columns, updateWait time.Duration) *ListWindowProvider {
	if updateWait <= 0 {
		updateWait = DefaultUpdateWait
	}
	done := make(chan struct{})
	close(done)
	return &ListWindowProvider{
		window:     window,
		cols:       cols,
		refs:       handles.New[listwindow.RowReference]("rows"),
		updateWait: updateWait,
		update:     done,
	}
}

// NotifyUpdateImminent makes reads wait until the window changes or the
// update wait expires, whichever happens first.
func (p *ListWindowProvider) NotifyUpdateImminent() {
	changed := p.window.NextChange()
	gate := make(chan struct{})
	go func() {
		timer := time.NewTimer(p.updateWait)
		defer timer.Stop()
		select {
		case <-changed:
		case <-timer.C:
		}
		close(gate)
	}()

	p.mu.Lock()
	p.update = gate
	p.mu.Unlock()
}

func (p *ListWindowProvider) awaitUpdate(ctx context.Context) error {
	p.mu.Lock()
	update := p.update
	p.mu.Unlock()
	select {
	case <-update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Variables returns the window's top-level rows as variables.
func (p *ListWindowProvider) Variables(ctx context.Context) ([]dap.Variable, error) {
	if err := p.awaitUpdate(ctx); err != nil {
		return nil, err
	}
	rows, err := p.window.TopLevelRows(ctx)
	if err != nil {
		return nil, err
	}
	return p.toVariables(rows, true)
}

// Subvariables returns the children of the row behind ref.
func (p *ListWindowProvider) Subvariables(ctx context.Context, ref int) ([]dap.Variable, error) {
	if err := p.awaitUpdate(ctx); err != nil {
		return nil, err
	}
	row, ok := p.refs.Get(ref)
	if !ok {
		return nil, fmt.Errorf("%w: variable reference %d", cspy.ErrStaleHandle, ref)
	}
	children, err := p.window.ChildrenOf(ctx, row)
	if err != nil {
		return nil, err
	}
	return p.toVariables(children, false)
}

// SetVariable writes value to the value column of the variable called name.
func (p *ListWindowProvider) SetVariable(ctx context.Context, name string, ref int, value string) (SetResult, error) {
	if err := p.awaitUpdate(ctx); err != nil {
		return SetResult{}, err
	}

	var rows []listwindow.RowReference
	var err error
	if ref == 0 {
		rows, err = p.window.TopLevelRows(ctx)
	} else {
		parent, ok := p.refs.Get(ref)
		if !ok {
			return SetResult{}, fmt.Errorf("%w: variable reference %d", cspy.ErrStaleHandle, ref)
		}
		rows, err = p.window.ChildrenOf(ctx, parent)
	}
	if err != nil {
		return SetResult{}, err
	}

	for _, row := range rows {
		if row.Value(p.cols.Name) != name {
			continue
		}
		p.NotifyUpdateImminent()
		newValue, err := p.window.SetValueOf(ctx, row, p.cols.Value, value)
		if err != nil {
			return SetResult{}, err
		}
		return SetResult{
			NewValue:       newValue,
			ChangedAddress: locationToAddress(row.Value(p.cols.Location)),
		}, nil
	}
	return SetResult{}, fmt.Errorf("%w: no variable named %q", listwindow.ErrRowNotFound, name)
}

// Close closes the window.
func (p *ListWindowProvider) Close(ctx context.Context) error {
	return p.window.Close(ctx)
}

func (p *ListWindowProvider) toVariables(rows []listwindow.RowReference, top bool) ([]dap.Variable, error) {
	vars := make([]dap.Variable, 0, len(rows))
	for _, row := range rows {
		if len(row.Cells) <= max(p.cols.Name, p.cols.Value) {
			return nil, fmt.Errorf("%w: row has %d columns", cspy.ErrProtocolDrift, len(row.Cells))
		}
		ref := 0
		if row.HasChildren {
			ref = p.refs.Create(row)
		}
		vars = append(vars, NewVariable(
			row.Value(p.cols.Name),
			row.Value(p.cols.Value),
			row.Value(p.cols.Type),
			ref,
			locationToAddress(row.Value(p.cols.Location)),
			top,
			!row.Editable(p.cols.Value),
		))
	}
	return vars, nil
}

// locationToAddress returns the memory address in a location cell, which
// may carry a zone prefix ("Memory:0x20000000"). Register locations have no
// address.
func locationToAddress(cell string) string {
	if m := memoryLocation.FindStringSubmatch(cell); m != nil {
		return m[1]
	}
	return ""
}
