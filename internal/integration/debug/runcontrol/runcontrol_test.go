package runcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

type fakeDebugger struct {
	mu     sync.Mutex
	calls  []string
	states []cspy.CoreState
	err    error
}

func (d *fakeDebugger) record(format string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	return d.err
}

func (d *fakeDebugger) setStates(states ...cspy.CoreState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = states
}

func (d *fakeDebugger) NumberOfCores(ctx context.Context) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int32(len(d.states)), nil
}

func (d *fakeDebugger) CoreState(ctx context.Context, core int32) (cspy.CoreState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[core], nil
}

func (d *fakeDebugger) GoCore(ctx context.Context, core int32) error {
	return d.record("goCore %d", core)
}
func (d *fakeDebugger) MultiGo(ctx context.Context, core int32) error {
	return d.record("multiGo %d", core)
}
func (d *fakeDebugger) StopCore(ctx context.Context, core int32) error {
	return d.record("stopCore %d", core)
}
func (d *fakeDebugger) Step(ctx context.Context, useInterval bool) error {
	return d.record("step %v", useInterval)
}
func (d *fakeDebugger) StepOver(ctx context.Context, useInterval bool) error {
	return d.record("stepOver %v", useInterval)
}
func (d *fakeDebugger) StepOut(ctx context.Context) error { return d.record("stepOut") }
func (d *fakeDebugger) InstructionStep(ctx context.Context) error {
	return d.record("instructionStep")
}
func (d *fakeDebugger) InstructionStepOver(ctx context.Context) error {
	return d.record("instructionStepOver")
}
func (d *fakeDebugger) RunToULE(ctx context.Context, ule string, allowSingleStep bool) error {
	return d.record("runToULE %s %v", ule, allowSingleStep)
}
func (d *fakeDebugger) Reset(ctx context.Context) error { return d.record("reset") }

type fakeCores struct {
	mu  sync.Mutex
	log []string
}

func (c *fakeCores) PerformOnCore(ctx context.Context, core int32, task func(context.Context) error) error {
	c.mu.Lock()
	c.log = append(c.log, fmt.Sprintf("core %d", core))
	c.mu.Unlock()
	return task(ctx)
}

func (c *fakeCores) PerformOnAllCores(ctx context.Context, task func(context.Context) error) error {
	c.mu.Lock()
	c.log = append(c.log, "all")
	c.mu.Unlock()
	return task(ctx)
}

type stopped struct {
	core   int32
	reason StopReason
}

func newService(nCores int) (*Service, *fakeDebugger, *fakeCores, *[]stopped) {
	d := &fakeDebugger{states: make([]cspy.CoreState, nCores)}
	for i := range d.states {
		d.states[i] = cspy.CoreRunning
	}
	c := &fakeCores{}
	s := New(d, c, int32(nCores), nil)
	var mu sync.Mutex
	stops := &[]stopped{}
	s.OnCoreStopped(func(core int32, reason StopReason) {
		mu.Lock()
		defer mu.Unlock()
		*stops = append(*stops, stopped{core, reason})
	})
	return s, d, c, stops
}

func ptr(v int32) *int32 { return &v }

func coreStopped() cspy.DebugEvent { return cspy.DebugEvent{Note: cspy.NotifyCoreStopped} }

func TestEntryStop(t *testing.T) {
	s, d, _, stops := newService(2)
	ctx := context.Background()

	d.setStates(cspy.CoreStopped, cspy.CoreRunning)
	require.NoError(t, s.HandleDebugEvent(ctx, coreStopped()))
	assert.Equal(t, []stopped{{0, ReasonEntry}}, *stops)

	// Already reported; a second event does not report core 0 again.
	d.setStates(cspy.CoreStopped, cspy.CoreStopped)
	require.NoError(t, s.HandleDebugEvent(ctx, coreStopped()))
	assert.Equal(t, []stopped{{0, ReasonEntry}, {1, ReasonEntry}}, *stops)
}

func TestIgnoresOtherEvents(t *testing.T) {
	s, d, _, stops := newService(1)
	d.setStates(cspy.CoreStopped)
	require.NoError(t, s.HandleDebugEvent(context.Background(), cspy.DebugEvent{Note: cspy.NotifyTargetStopped}))
	assert.Empty(t, *stops)
}

func TestStepReasons(t *testing.T) {
	tests := []struct {
		name   string
		action func(s *Service) error
		calls  []string
		cores  []string
		reason StopReason
	}{
		{
			name:   "next statement",
			action: func(s *Service) error { return s.Next(context.Background(), ptr(1), GranularityStatement) },
			calls:  []string{"stepOver false"},
			cores:  []string{"core 1"},
			reason: ReasonStep,
		},
		{
			name:   "next instruction",
			action: func(s *Service) error { return s.Next(context.Background(), ptr(1), GranularityInstruction) },
			calls:  []string{"instructionStepOver"},
			cores:  []string{"core 1"},
			reason: ReasonStep,
		},
		{
			name:   "step in",
			action: func(s *Service) error { return s.StepIn(context.Background(), ptr(1), GranularityLine) },
			calls:  []string{"step false"},
			cores:  []string{"core 1"},
			reason: ReasonStep,
		},
		{
			name:   "step in instruction",
			action: func(s *Service) error { return s.StepIn(context.Background(), ptr(1), GranularityInstruction) },
			calls:  []string{"instructionStep"},
			cores:  []string{"core 1"},
			reason: ReasonStep,
		},
		{
			name:   "step out",
			action: func(s *Service) error { return s.StepOut(context.Background(), ptr(1)) },
			calls:  []string{"stepOut"},
			cores:  []string{"core 1"},
			reason: ReasonStep,
		},
		{
			name:   "continue one",
			action: func(s *Service) error { return s.Continue(context.Background(), ptr(1)) },
			calls:  []string{"goCore 1"},
			cores:  []string{"core 1"},
			reason: ReasonBreakpoint,
		},
		{
			name:   "pause",
			action: func(s *Service) error { return s.Pause(context.Background(), 1) },
			calls:  []string{"stopCore 1"},
			cores:  []string{"core 1"},
			reason: ReasonPause,
		},
		{
			name:   "run to",
			action: func(s *Service) error { return s.RunToULE(context.Background(), ptr(1), "{main.c}.10.1") },
			calls:  []string{"runToULE {main.c}.10.1 false"},
			cores:  []string{"core 1"},
			reason: ReasonEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d, c, stops := newService(2)
			require.NoError(t, tt.action(s))
			assert.Equal(t, tt.calls, d.calls)
			assert.Equal(t, tt.cores, c.log)

			d.setStates(cspy.CoreRunning, cspy.CoreStopped)
			require.NoError(t, s.UpdateCoreStatus(context.Background()))
			assert.Equal(t, []stopped{{1, tt.reason}}, *stops)
		})
	}
}

func TestContinueAll(t *testing.T) {
	s, d, c, stops := newService(3)
	ctx := context.Background()

	require.NoError(t, s.Continue(ctx, nil))
	assert.Equal(t, []string{"multiGo -1"}, d.calls)
	assert.Equal(t, []string{"all"}, c.log)

	d.setStates(cspy.CoreStopped, cspy.CoreSleeping, cspy.CoreRunning)
	require.NoError(t, s.UpdateCoreStatus(ctx))
	assert.ElementsMatch(t, []stopped{{0, ReasonBreakpoint}, {1, ReasonBreakpoint}}, *stops)
}

func TestReset(t *testing.T) {
	s, d, c, stops := newService(2)
	ctx := context.Background()

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, []string{"reset", "runToULE main false"}, d.calls)
	assert.Equal(t, []string{"all"}, c.log)

	d.setStates(cspy.CoreStopped, cspy.CoreStopped)
	require.NoError(t, s.UpdateCoreStatus(ctx))
	assert.ElementsMatch(t, []stopped{{0, ReasonEntry}, {1, ReasonEntry}}, *stops)
}

func TestResetFailure(t *testing.T) {
	s, d, _, _ := newService(1)
	d.err = errors.New("no target")

	err := s.Reset(context.Background())
	assert.ErrorIs(t, err, d.err)
	assert.Equal(t, []string{"reset"}, d.calls)
}

func TestMarkExit(t *testing.T) {
	s, d, _, stops := newService(1)
	s.MarkExit()
	d.setStates(cspy.CoreStopped)
	require.NoError(t, s.UpdateCoreStatus(context.Background()))
	assert.Equal(t, []stopped{{0, ReasonExit}}, *stops)
}
