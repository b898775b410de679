package variables

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/listwindow"
)

func TestNewVariable(t *testing.T) {
	tests := []struct {
		name     string
		varName  string
		value    string
		typ      string
		address  string
		global   bool
		readOnly bool
		want     dap.Variable
	}{
		{
			name:    "global strips module suffix",
			varName: "counter <main.c>",
			value:   "3",
			typ:     "int",
			address: "0x20000000",
			global:  true,
			want: dap.Variable{
				Name: "counter <main.c>", Value: "3", Type: "int @ 0x20000000",
				EvaluateName: "counter", MemoryReference: "0x20000000",
			},
		},
		{
			name:    "member casts its address",
			varName: "x",
			value:   "1",
			typ:     "int const volatile ",
			address: "0x20000004",
			want: dap.Variable{
				Name: "x", Value: "1", Type: "int const volatile  @ 0x20000004",
				EvaluateName: "*(int *)(0x20000004)", MemoryReference: "0x20000004",
			},
		},
		{
			name:    "array becomes pointer",
			varName: "buf",
			value:   "<array>",
			typ:     "char[16]",
			address: "0x20000100",
			want: dap.Variable{
				Name: "buf", Value: "<array>", Type: "char[16] @ 0x20000100",
				EvaluateName: "(char*)(0x20000100)", MemoryReference: "0x20000100",
			},
		},
		{
			name:     "pointer refers to its target",
			varName:  "p",
			value:    "0x2000'0010 (counter) ",
			typ:      "int *",
			readOnly: true,
			want: dap.Variable{
				Name: "p", Value: "0x2000'0010 (counter) ", Type: "int *",
				MemoryReference:  "0x20000010",
				PresentationHint: &dap.VariablePresentationHint{Attributes: []string{"readOnly"}},
			},
		},
		{
			name:    "register has no address",
			varName: "R0",
			value:   "0x00000001",
			global:  true,
			want: dap.Variable{
				Name: "R0", Value: "0x00000001", EvaluateName: "R0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewVariable(tt.varName, tt.value, tt.typ, 0, tt.address, tt.global, tt.readOnly)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressFromValue(t *testing.T) {
	tests := map[string]string{
		"0x20000010":                "0x20000010",
		"0x2000'0010":               "0x2000'0010",
		"0x20000010 (counter)":      "0x20000010",
		"<struct> (0x20000010)":     "0x20000010",
		`0x08001234 "hello"`:        "0x08001234",
		"  0x10  ":                  "0x10",
		"42":                        "",
		"counter at 0x20000010 now": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, addressFromValue(in), in)
	}
}

func TestFromExpression(t *testing.T) {
	ptr := cspy.ExprValue{Value: "0x20000400", Type: "struct S *", BasicType: cspy.ExprPointer}
	st := cspy.ExprValue{Value: "<struct>", Type: "struct S", BasicType: cspy.ExprComposite}
	arr := cspy.ExprValue{Value: "<array>", Type: "int[4]", BasicType: cspy.ExprArray}
	elem := cspy.ExprValue{
		Value: "7", Type: "int", BasicType: cspy.ExprBasic,
		HasLocation: true, Location: cspy.Location{Address: 0x20000408},
	}

	parents := []Parent{
		{Name: "s", Value: ptr},
		{Name: "", Value: st},
		{Name: "items", Value: arr},
	}
	v := FromExpression("[2]", elem, 0, parents)

	assert.Equal(t, "((s)->items)[2]", v.EvaluateName)
	assert.Equal(t, "int @ 0x0000000020000408", v.Type)
	assert.Equal(t, "0x0000000020000408", v.MemoryReference)
	assert.Nil(t, v.PresentationHint)

	root := FromExpression("s", ptr, 5, nil)
	assert.Equal(t, "s", root.EvaluateName)
	assert.Equal(t, 5, root.VariablesReference)
	assert.Equal(t, "0x20000400", root.MemoryReference)
}

// fakeWindow serves fixed rows. Children are keyed by the parent's name.
type fakeWindow struct {
	mu       sync.Mutex
	top      []listwindow.RowReference
	children map[string][]listwindow.RowReference
	menu     []cspy.MenuItem
	clicked  []int32
	sets     []string
	changed  chan struct{}
	onClick  func(command int32)
	closed   int
}

func row(name, value, location, typ string, expandable, editable bool) listwindow.RowReference {
	return listwindow.RowReference{
		Cells: []cspy.Cell{
			{Text: name},
			{Text: value, Editable: editable},
			{Text: location},
			{Text: typ},
		},
		HasChildren: expandable,
	}
}

func (w *fakeWindow) TopLevelRows(ctx context.Context) ([]listwindow.RowReference, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.top, nil
}

func (w *fakeWindow) ChildrenOf(ctx context.Context, ref listwindow.RowReference) ([]listwindow.RowReference, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.children[ref.Value(0)], nil
}

func (w *fakeWindow) SetValueOf(ctx context.Context, ref listwindow.RowReference, col int, value string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sets = append(w.sets, ref.Value(0)+"="+value)
	return "0x" + value, nil
}

func (w *fakeWindow) NextChange() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.changed == nil {
		w.changed = make(chan struct{})
	}
	return w.changed
}

func (w *fakeWindow) fireChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.changed != nil {
		close(w.changed)
		w.changed = nil
	}
}

func (w *fakeWindow) ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error) {
	return w.menu, nil
}

func (w *fakeWindow) ClickContextMenu(ctx context.Context, command int32) error {
	w.mu.Lock()
	w.clicked = append(w.clicked, command)
	onClick := w.onClick
	w.mu.Unlock()
	if onClick != nil {
		onClick(command)
	}
	return nil
}

func (w *fakeWindow) Close(ctx context.Context) error {
	w.closed++
	return nil
}

func localsWindow() *fakeWindow {
	return &fakeWindow{
		top: []listwindow.RowReference{
			row("counter", "3", "Memory:0x20000000", "int", false, true),
			row("s", "<struct>", "0x20000010", "struct S", true, false),
		},
		children: map[string][]listwindow.RowReference{
			"s": {
				row("a", "1", "0x20000010", "int", false, true),
				row("b", "2", "0x20000014", "int", false, true),
			},
		},
	}
}

func TestListWindowProvider_Variables(t *testing.T) {
	w := localsWindow()
	p := NewListWindowProvider(w, LocalsColumns, 0)
	ctx := context.Background()

	vars, err := p.Variables(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2)

	assert.Equal(t, "counter", vars[0].EvaluateName)
	assert.Equal(t, "0x20000000", vars[0].MemoryReference)
	assert.Zero(t, vars[0].VariablesReference)
	assert.Nil(t, vars[0].PresentationHint)

	require.NotZero(t, vars[1].VariablesReference)
	require.NotNil(t, vars[1].PresentationHint)

	kids, err := p.Subvariables(ctx, vars[1].VariablesReference)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "*(int*)(0x20000014)", kids[1].EvaluateName)

	_, err = p.Subvariables(ctx, 999)
	assert.ErrorIs(t, err, cspy.ErrStaleHandle)
}

func TestListWindowProvider_SetVariable(t *testing.T) {
	w := localsWindow()
	p := NewListWindowProvider(w, LocalsColumns, 10*time.Millisecond)
	ctx := context.Background()

	res, err := p.SetVariable(ctx, "counter", 0, "5")
	require.NoError(t, err)
	assert.Equal(t, SetResult{NewValue: "0x5", ChangedAddress: "0x20000000"}, res)

	vars, err := p.Variables(ctx)
	require.NoError(t, err)
	res, err = p.SetVariable(ctx, "b", vars[1].VariablesReference, "9")
	require.NoError(t, err)
	assert.Equal(t, "0x20000014", res.ChangedAddress)
	assert.Equal(t, []string{"counter=5", "b=9"}, w.sets)

	_, err = p.SetVariable(ctx, "missing", 0, "1")
	assert.ErrorIs(t, err, listwindow.ErrRowNotFound)
}

func TestListWindowProvider_UpdateGate(t *testing.T) {
	w := localsWindow()
	p := NewListWindowProvider(w, LocalsColumns, time.Hour)

	p.NotifyUpdateImminent()

	done := make(chan error, 1)
	go func() {
		_, err := p.Variables(context.Background())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("read did not wait for the update")
	case <-time.After(20 * time.Millisecond):
	}

	w.fireChange()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read still blocked after the update")
	}
}

func TestListWindowProvider_UpdateGateTimeout(t *testing.T) {
	w := localsWindow()
	p := NewListWindowProvider(w, LocalsColumns, 10*time.Millisecond)

	p.NotifyUpdateImminent()
	start := time.Now()
	_, err := p.Variables(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func registersWindow() *fakeWindow {
	w := &fakeWindow{
		menu: []cspy.MenuItem{
			{Text: "Find", Command: 1, Enabled: true},
			{Text: groupMenuStart},
			{Text: "CPU Registers", Command: 10, Enabled: true, Checked: true},
			{Text: "FPU", Command: 11, Enabled: true},
			{Text: groupMenuEnd},
			{Text: "Options...", Command: 2, Enabled: true},
		},
		children: map[string][]listwindow.RowReference{
			"CPSR": {row("N", "0", "", "", false, true)},
		},
	}
	w.top = []listwindow.RowReference{
		row("R0", "0x00000001", "", "", false, true),
		row("CPSR", "0x61000000", "", "", true, true),
	}
	w.onClick = func(command int32) {
		if command == 11 {
			w.mu.Lock()
			w.top = []listwindow.RowReference{row("S0", "0.0", "", "", false, true)}
			w.mu.Unlock()
		}
		w.fireChange()
	}
	return w
}

func TestRegistersProvider(t *testing.T) {
	w := registersWindow()
	p := NewRegistersProvider(w, 10*time.Millisecond)
	ctx := context.Background()

	groups, err := p.Variables(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "CPU Registers", groups[0].Name)
	assert.Equal(t, "Register Group", groups[0].Type)
	assert.Equal(t, "virtual", groups[0].PresentationHint.Kind)

	cpu, err := p.Subvariables(ctx, groups[0].VariablesReference)
	require.NoError(t, err)
	require.Len(t, cpu, 2)
	assert.Empty(t, w.clicked, "visible group must not be switched")

	flags, err := p.Subvariables(ctx, cpu[1].VariablesReference)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "N", flags[0].Name)

	fpu, err := p.Subvariables(ctx, groups[1].VariablesReference)
	require.NoError(t, err)
	require.Len(t, fpu, 1)
	assert.Equal(t, "S0", fpu[0].Name)
	assert.Equal(t, []int32{11}, w.clicked)

	_, err = p.SetVariable(ctx, "R0", 0, "1")
	assert.ErrorIs(t, err, ErrRegisterGroup)

	res, err := p.SetVariable(ctx, "S0", groups[1].VariablesReference, "2")
	require.NoError(t, err)
	assert.Equal(t, "0x2", res.NewValue)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 1, w.closed)
}

func TestRegistersProvider_NoGroups(t *testing.T) {
	w := &fakeWindow{menu: []cspy.MenuItem{{Text: "Find", Command: 1}}}
	p := NewRegistersProvider(w, 0)

	groups, err := p.Variables(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
}
