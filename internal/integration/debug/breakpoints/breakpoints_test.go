package breakpoints

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/services"
)

// fakeEngine moves breakpoints on even lines one line down, like an engine
// snapping to the next statement. Non-source ULEs are set as given.
type fakeEngine struct {
	mu      sync.Mutex
	nextID  int32
	set     []string
	access  []int32
	removed []int32
	reject  map[string]bool
}

func (e *fakeEngine) SetOnULE(ctx context.Context, ule string, access int32) (cspy.Breakpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = append(e.set, ule)
	e.access = append(e.access, access)
	if e.reject[ule] {
		return cspy.Breakpoint{}, &cspy.EngineError{Method: "setBreakpointOnUle", Message: "no code at location"}
	}
	path, line, col, err := ParseULE(ule)
	if err != nil {
		e.nextID++
		return cspy.Breakpoint{ID: e.nextID, ULE: ule, Valid: true, AccessType: access, Description: "Location " + ule}, nil
	}
	if line%2 == 0 {
		line++
	}
	e.nextID++
	return cspy.Breakpoint{
		ID:          e.nextID,
		ULE:         FormatULE(path, line, col),
		IsULEBased:  true,
		Valid:       true,
		AccessType:  access,
		Description: fmt.Sprintf("Code @ %s:%d", path, line),
	}, nil
}

func (e *fakeEngine) Remove(ctx context.Context, id int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, id)
	return nil
}

func (e *fakeEngine) removedIDs() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := append([]int32(nil), e.removed...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func lines(ls ...int) []dap.SourceBreakpoint {
	out := make([]dap.SourceBreakpoint, len(ls))
	for i, l := range ls {
		out[i] = dap.SourceBreakpoint{Line: l}
	}
	return out
}

func TestSetSourceBreakpoints(t *testing.T) {
	e := &fakeEngine{}
	m := New(e)
	ctx := context.Background()

	got, err := m.SetSourceBreakpoints(ctx, "/src/main.c", lines(3, 10))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []string{"{/src/main.c}.3.1", "{/src/main.c}.10.1"}, e.set)
	assert.True(t, got[0].Verified)
	assert.Equal(t, 3, got[0].Line)
	assert.Equal(t, 11, got[1].Line, "line reported by the engine")
	assert.Equal(t, 1, got[1].Column)
	assert.Equal(t, "main.c", got[1].Source.Name)
	assert.Equal(t, "Code @ /src/main.c:11", got[1].Message)
	assert.Equal(t, 2, m.Installed("/src/main.c"))
}

func TestSetSourceBreakpoints_Diff(t *testing.T) {
	e := &fakeEngine{}
	m := New(e)
	ctx := context.Background()

	first, err := m.SetSourceBreakpoints(ctx, "/src/main.c", lines(3, 5, 7))
	require.NoError(t, err)

	second, err := m.SetSourceBreakpoints(ctx, "/src/main.c", lines(5, 9))
	require.NoError(t, err)

	assert.Equal(t, []int32{int32(first[0].ID), int32(first[2].ID)}, e.removedIDs())
	assert.Equal(t, first[1].ID, second[0].ID, "kept breakpoint is not reinstalled")
	assert.Len(t, e.set, 4)
	assert.Equal(t, "{/src/main.c}.9.1", e.set[3])
	assert.Equal(t, 2, m.Installed("/src/main.c"))

	_, err = m.SetSourceBreakpoints(ctx, "/src/main.c", nil)
	require.NoError(t, err)
	assert.Zero(t, m.Installed("/src/main.c"))
	assert.Len(t, e.removedIDs(), 4)
}

func TestSetSourceBreakpoints_Rejected(t *testing.T) {
	e := &fakeEngine{reject: map[string]bool{"{/src/main.c}.4.1": true}}
	m := New(e)

	got, err := m.SetSourceBreakpoints(context.Background(), "/src/main.c", []dap.SourceBreakpoint{
		{Line: 4},
		{Line: 5, Condition: "i > 3"},
		{Line: 7, Column: 2},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.False(t, got[0].Verified)
	assert.Contains(t, got[0].Message, "no code at location")
	assert.Equal(t, 4, got[0].Line)

	assert.False(t, got[1].Verified)
	assert.Equal(t, ErrConditionUnsupported.Error(), got[1].Message)

	assert.True(t, got[2].Verified)
	assert.Equal(t, 2, got[2].Column)
	assert.Equal(t, 1, m.Installed("/src/main.c"))
}

func TestSetSourceBreakpoints_ZeroBasedClient(t *testing.T) {
	e := &fakeEngine{}
	m := New(e, WithClientIndexing(false, false))

	got, err := m.SetSourceBreakpoints(context.Background(), "/src/main.c", []dap.SourceBreakpoint{{Line: 9, Column: 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"{/src/main.c}.10.1"}, e.set)
	assert.Equal(t, 10, got[0].Line)
	assert.Equal(t, 0, got[0].Column)
}

func TestSetSourceBreakpoints_NoPath(t *testing.T) {
	m := New(&fakeEngine{})
	_, err := m.SetSourceBreakpoints(context.Background(), "", lines(1))
	assert.Error(t, err)
}

func TestClearAll(t *testing.T) {
	e := &fakeEngine{}
	m := New(e)
	ctx := context.Background()

	_, err := m.SetSourceBreakpoints(ctx, "/src/a.c", lines(1, 3))
	require.NoError(t, err)
	_, err = m.SetSourceBreakpoints(ctx, `C:\src\b.c`, lines(5))
	require.NoError(t, err)

	require.NoError(t, m.ClearAll(ctx))
	assert.Equal(t, []int32{1, 2, 3}, e.removedIDs())
	assert.Zero(t, m.Installed("/src/a.c"))
}

func TestSetInstructionBreakpoints(t *testing.T) {
	e := &fakeEngine{}
	m := New(e)
	ctx := context.Background()

	got, err := m.SetInstructionBreakpoints(ctx, []dap.InstructionBreakpoint{
		{InstructionReference: "0x1000"},
		{InstructionReference: "0x1000", Offset: 8},
		{InstructionReference: "0x2000", Condition: "r0 == 1"},
		{InstructionReference: "main", Offset: 4},
	})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, []string{"0x1000", "0x1008"}, e.set)
	assert.Equal(t, []int32{services.AccessFetch, services.AccessFetch}, e.access)
	assert.True(t, got[0].Verified)
	assert.Equal(t, "0x1000", got[0].InstructionReference)
	assert.Equal(t, "0x1008", got[1].InstructionReference)
	assert.False(t, got[2].Verified)
	assert.Equal(t, ErrConditionUnsupported.Error(), got[2].Message)
	assert.False(t, got[3].Verified)
	assert.Equal(t, "main", got[3].InstructionReference)

	again, err := m.SetInstructionBreakpoints(ctx, []dap.InstructionBreakpoint{
		{InstructionReference: "0x1000", Offset: 8},
		{InstructionReference: "0x3000"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(got[0].ID)}, e.removedIDs())
	assert.Equal(t, got[1].ID, again[0].ID, "kept breakpoint is not reinstalled")
	assert.Equal(t, "0x3000", e.set[len(e.set)-1])
}

func TestSetDataBreakpoints(t *testing.T) {
	e := &fakeEngine{reject: map[string]bool{"ghost": true}}
	m := New(e)
	ctx := context.Background()

	got, err := m.SetDataBreakpoints(ctx, []dap.DataBreakpoint{
		{DataID: "counter", AccessType: dap.AccessRead},
		{DataID: "flags", AccessType: dap.AccessWrite},
		{DataID: "buf"},
		{DataID: "state", AccessType: dap.AccessReadWrite, HitCondition: "3"},
		{DataID: "ghost", AccessType: dap.AccessWrite},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, []string{"counter", "flags", "buf", "ghost"}, e.set)
	assert.Equal(t, []int32{services.AccessRead, services.AccessWrite, services.AccessReadWrite, services.AccessWrite}, e.access)
	assert.True(t, got[0].Verified)
	assert.Equal(t, "counter", got[0].InstructionReference)
	assert.False(t, got[3].Verified)
	assert.Equal(t, ErrConditionUnsupported.Error(), got[3].Message)
	assert.False(t, got[4].Verified)
	assert.Contains(t, got[4].Message, "no code at location")
	assert.Equal(t, "ghost", got[4].InstructionReference)

	_, err = m.SetDataBreakpoints(ctx, []dap.DataBreakpoint{{DataID: "flags", AccessType: dap.AccessRead}})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, e.removedIDs(), "a changed access type replaces the breakpoint")
}

func TestClearAll_AllKinds(t *testing.T) {
	e := &fakeEngine{}
	m := New(e)
	ctx := context.Background()

	_, err := m.SetSourceBreakpoints(ctx, "/src/a.c", lines(1))
	require.NoError(t, err)
	_, err = m.SetInstructionBreakpoints(ctx, []dap.InstructionBreakpoint{{InstructionReference: "0x100"}})
	require.NoError(t, err)
	_, err = m.SetDataBreakpoints(ctx, []dap.DataBreakpoint{{DataID: "x"}})
	require.NoError(t, err)

	require.NoError(t, m.ClearAll(ctx))
	assert.Equal(t, []int32{1, 2, 3}, e.removedIDs())

	_, err = m.SetDataBreakpoints(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, e.removedIDs(), 3, "cleared breakpoints are forgotten")
}

func TestParseULE(t *testing.T) {
	path, line, col, err := ParseULE(`{C:\proj\main.c}.12.3`)
	require.NoError(t, err)
	assert.Equal(t, `C:\proj\main.c`, path)
	assert.Equal(t, 12, line)
	assert.Equal(t, 3, col)

	for _, bad := range []string{"main", "{main.c}.x.1", "0x1000", "{}.1.1"} {
		_, _, _, err := ParseULE(bad)
		assert.Error(t, err, bad)
	}
}
