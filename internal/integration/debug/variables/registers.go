package variables

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/handles"
)

// Markers delimiting the register group section of the registers window's
// context menu.
const (
	groupMenuStart = ">View Group"
	groupMenuEnd   = "<"
)

// ErrRegisterGroup is returned when assigning to a register group.
var ErrRegisterGroup = errors.New("cannot set the value of a register group")

type registerGroup struct {
	name    string
	command int32
}

type registerRef struct {
	group     registerGroup
	windowRef int // 0 for the group itself
}

// RegistersProvider provides registers grouped the way the registers window
// groups them. The window shows one group at a time; the provider switches
// groups through the window's context menu.
type RegistersProvider struct {
	window Window
	vars   *ListWindowProvider
	refs   *handles.Table[registerRef]

	// mu keeps a group switch and the read that depends on it together.
	mu      sync.Mutex
	groups  []registerGroup
	loaded  bool
	visible string
}

// NewRegistersProvider creates a provider over the registers window.
func NewRegistersProvider(window Window, updateWait time.Duration) *RegistersProvider {
	return &RegistersProvider{
		window: window,
		vars:   NewListWindowProvider(window, RegistersColumns, updateWait),
		refs:   handles.New[registerRef]("registers"),
	}
}

// Variables returns one virtual variable per register group.
func (p *RegistersProvider) Variables(ctx context.Context) ([]dap.Variable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		groups, err := p.fetchGroups(ctx)
		if err != nil {
			return nil, err
		}
		p.groups, p.loaded = groups, true
	}

	vars := make([]dap.Variable, len(p.groups))
	for i, g := range p.groups {
		vars[i] = dap.Variable{
			Name:               g.name,
			Type:               "Register Group",
			VariablesReference: p.refs.Create(registerRef{group: g}),
			PresentationHint:   &dap.VariablePresentationHint{Kind: "virtual"},
		}
	}
	return vars, nil
}

// Subvariables returns the registers of a group, or the fields of a
// register.
func (p *RegistersProvider) Subvariables(ctx context.Context, ref int) ([]dap.Variable, error) {
	r, ok := p.refs.Get(ref)
	if !ok {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureVisible(ctx, r.group); err != nil {
		return nil, err
	}

	var vars []dap.Variable
	var err error
	if r.windowRef == 0 {
		vars, err = p.vars.Variables(ctx)
	} else {
		vars, err = p.vars.Subvariables(ctx, r.windowRef)
	}
	if err != nil {
		return nil, err
	}

	for i := range vars {
		if vars[i].VariablesReference > 0 {
			vars[i].VariablesReference = p.refs.Create(registerRef{group: r.group, windowRef: vars[i].VariablesReference})
		}
	}
	return vars, nil
}

// SetVariable assigns a register or register field.
func (p *RegistersProvider) SetVariable(ctx context.Context, name string, ref int, value string) (SetResult, error) {
	if ref == 0 {
		return SetResult{}, ErrRegisterGroup
	}
	r, ok := p.refs.Get(ref)
	if !ok {
		return SetResult{}, errors.New("could not resolve variable reference")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureVisible(ctx, r.group); err != nil {
		return SetResult{}, err
	}
	return p.vars.SetVariable(ctx, name, r.windowRef, value)
}

// NotifyUpdateImminent implements Provider.
func (p *RegistersProvider) NotifyUpdateImminent() {
	p.vars.NotifyUpdateImminent()
}

// Close closes the registers window.
func (p *RegistersProvider) Close(ctx context.Context) error {
	return p.vars.Close(ctx)
}

func (p *RegistersProvider) ensureVisible(ctx context.Context, g registerGroup) error {
	if g.name == p.visible {
		return nil
	}
	p.vars.NotifyUpdateImminent()
	if err := p.window.ClickContextMenu(ctx, g.command); err != nil {
		return err
	}
	p.visible = g.name
	return nil
}

func (p *RegistersProvider) fetchGroups(ctx context.Context) ([]registerGroup, error) {
	items, err := p.window.ContextMenu(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	var groups []registerGroup
	inSection := false
	for _, item := range items {
		if !inSection {
			inSection = item.Text == groupMenuStart
			continue
		}
		if item.Text == groupMenuEnd {
			break
		}
		if item.Checked {
			p.visible = item.Text
		}
		groups = append(groups, registerGroup{name: item.Text, command: item.Command})
	}
	return groups, nil
}
