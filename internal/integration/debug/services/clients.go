package services

import (
	"context"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// Debugger is a client of the engine's Debugger service, which drives
// execution and evaluates expressions.
type Debugger struct {
	client
}

// NewDebugger wraps a connection to the Debugger service.
func NewDebugger(c Caller) *Debugger {
	return &Debugger{client{c}}
}

// Exit asks the engine to end the debug session and terminate.
func (d *Debugger) Exit(ctx context.Context) error {
	return d.call(ctx, "exit", nil)
}

// VersionString returns the engine's version.
func (d *Debugger) VersionString(ctx context.Context) (string, error) {
	var v string
	err := d.call(ctx, "getVersionString", rpc.NewResult(rpc.String(&v)))
	return v, err
}

// NumberOfCores returns the number of cores of the debugged target.
func (d *Debugger) NumberOfCores(ctx context.Context) (int32, error) {
	var n int32
	err := d.call(ctx, "getNumberOfCores", rpc.NewResult(rpc.I32(&n)))
	return n, err
}

// CoreState returns the run state of a core.
func (d *Debugger) CoreState(ctx context.Context, core int32) (cspy.CoreState, error) {
	var s int32
	err := d.call(ctx, "getCoreState", rpc.NewResult(rpc.I32(&s)),
		rpc.I32Field(1, "core", core))
	return cspy.CoreState(s), err
}

// EvalExpression evaluates expr, or the sub-expression of expr selected by
// subExprIndex, in the given context.
func (d *Debugger) EvalExpression(ctx context.Context, ref cspy.ContextRef, expr string, subExprIndex []int32, format cspy.ExprFormat, prefix bool) (cspy.ExprValue, error) {
	var v exprValue
	err := d.call(ctx, "evalExpression", rpc.NewResult(rpc.Struct(&v)),
		rpc.StructField(1, "context", &contextRef{ref}),
		rpc.StringField(2, "expr", expr),
		rpc.I32ListField(3, "subExprIndex", subExprIndex),
		rpc.I32Field(4, "format", int32(format)),
		rpc.BoolField(5, "prefix", prefix),
	)
	return v.ExprValue, err
}

// AssignExpression assigns value to the l-value expr (or its sub-expression).
func (d *Debugger) AssignExpression(ctx context.Context, ref cspy.ContextRef, expr string, subExprIndex []int32, value cspy.ExprValue) error {
	return d.call(ctx, "assignExpression", nil,
		rpc.StructField(1, "context", &contextRef{ref}),
		rpc.StringField(2, "expr", expr),
		rpc.I32ListField(3, "subExprIndex", subExprIndex),
		rpc.StructField(4, "rvalue", &exprValue{value}),
	)
}

// SubExpressionLabels returns the labels of length sub-expressions of the
// expression selected by subExprIndex, starting at start.
func (d *Debugger) SubExpressionLabels(ctx context.Context, ref cspy.ContextRef, rootExpr string, subExprIndex []int32, start, length int32, treatPointerAsArray bool) ([]string, error) {
	var labels []string
	err := d.call(ctx, "getSubExpressionLabels", rpc.NewResult(rpc.StringList(&labels)),
		rpc.StructField(1, "context", &contextRef{ref}),
		rpc.StringField(2, "expr", rootExpr),
		rpc.I32ListField(3, "subExprIndex", subExprIndex),
		rpc.I32Field(4, "startIndex", start),
		rpc.I32Field(5, "length", length),
		rpc.BoolField(6, "treatPointerAsArray", treatPointerAsArray),
	)
	return labels, err
}

// Reset resets the target.
func (d *Debugger) Reset(ctx context.Context) error {
	return d.call(ctx, "reset", nil)
}

// GoCore resumes one core.
func (d *Debugger) GoCore(ctx context.Context, core int32) error {
	return d.call(ctx, "goCore", nil, rpc.I32Field(1, "core", core))
}

// MultiGo resumes every core that run control applies to. Pass -1 to resume
// all cores.
func (d *Debugger) MultiGo(ctx context.Context, core int32) error {
	return d.call(ctx, "multiGo", nil, rpc.I32Field(1, "core", core))
}

// StopCore halts one core.
func (d *Debugger) StopCore(ctx context.Context, core int32) error {
	return d.call(ctx, "stopCore", nil, rpc.I32Field(1, "core", core))
}

// Step steps into the next statement.
func (d *Debugger) Step(ctx context.Context, useInterval bool) error {
	return d.call(ctx, "step", nil, rpc.BoolField(1, "useInterval", useInterval))
}

// StepOver steps over the next statement.
func (d *Debugger) StepOver(ctx context.Context, useInterval bool) error {
	return d.call(ctx, "stepOver", nil, rpc.BoolField(1, "useInterval", useInterval))
}

// StepOut runs until the current function returns.
func (d *Debugger) StepOut(ctx context.Context) error {
	return d.call(ctx, "stepOut", nil)
}

// InstructionStep steps one machine instruction.
func (d *Debugger) InstructionStep(ctx context.Context) error {
	return d.call(ctx, "instructionStep", nil)
}

// InstructionStepOver steps one machine instruction, stepping over calls.
func (d *Debugger) InstructionStepOver(ctx context.Context) error {
	return d.call(ctx, "instructionStepOver", nil)
}

// RunToULE runs until the location named by ule is reached.
func (d *Debugger) RunToULE(ctx context.Context, ule string, allowSingleStep bool) error {
	return d.call(ctx, "runToULE", nil,
		rpc.StringField(1, "ule", ule),
		rpc.BoolField(2, "allowSingleStep", allowSingleStep),
	)
}

// ContextManager is a client of the engine's ContextManager service, which
// lists stacks and selects the inspected context.
type ContextManager struct {
	client
}

// NewContextManager wraps a connection to the ContextManager service.
func NewContextManager(c Caller) *ContextManager {
	return &ContextManager{client{c}}
}

// SetInspectionContext makes ref the context that windows and evaluations
// refer to.
func (m *ContextManager) SetInspectionContext(ctx context.Context, ref cspy.ContextRef) error {
	return m.call(ctx, "setInspectionContext", nil, rpc.StructField(1, "context", &contextRef{ref}))
}

// Stack returns frames [low, high) of the stack identified by ref. A high of
// -1 returns every frame from low on.
func (m *ContextManager) Stack(ctx context.Context, ref cspy.ContextRef, low, high int32) ([]cspy.ContextInfo, error) {
	var infos []contextInfo
	err := m.call(ctx, "getStack", rpc.NewResult(readStructList(&infos)),
		rpc.StructField(1, "context", &contextRef{ref}),
		rpc.I32Field(2, "low", low),
		rpc.I32Field(3, "high", high),
	)
	frames := make([]cspy.ContextInfo, len(infos))
	for i, info := range infos {
		frames[i] = info.ContextInfo
	}
	return frames, err
}

// Disassembly is a client of the engine's Disassembly service.
type Disassembly struct {
	client
}

// NewDisassembly wraps a connection to the Disassembly service.
func NewDisassembly(c Caller) *Disassembly {
	return &Disassembly{client{c}}
}

// DisassembleRange disassembles the memory in [from, to).
func (d *Disassembly) DisassembleRange(ctx context.Context, from, to cspy.Location, ref cspy.ContextRef) ([]cspy.DisassembledLocation, error) {
	var locs []disassembledLocation
	err := d.call(ctx, "disassembleRange", rpc.NewResult(readStructList(&locs)),
		rpc.StructField(1, "_from", &location{from}),
		rpc.StructField(2, "_to", &location{to}),
		rpc.StructField(3, "context", &contextRef{ref}),
	)
	out := make([]cspy.DisassembledLocation, len(locs))
	for i, l := range locs {
		out[i] = l.DisassembledLocation
	}
	return out, err
}

// SourceLookup is a client of the engine's SourceLookup service.
type SourceLookup struct {
	client
}

// NewSourceLookup wraps a connection to the SourceLookup service.
func NewSourceLookup(c Caller) *SourceLookup {
	return &SourceLookup{client{c}}
}

// SourceRanges returns the source ranges that generated code at loc.
func (s *SourceLookup) SourceRanges(ctx context.Context, loc cspy.Location) ([]cspy.SourceRange, error) {
	var ranges []cspy.SourceRange
	err := s.call(ctx, "getSourceRanges", rpc.NewResult(readSourceRanges(&ranges)),
		rpc.StructField(1, "location", &location{loc}))
	return ranges, err
}

// Breakpoints is a client of the engine's Breakpoints service.
type Breakpoints struct {
	client
}

// NewBreakpoints wraps a connection to the Breakpoints service.
func NewBreakpoints(c Caller) *Breakpoints {
	return &Breakpoints{client{c}}
}

// Breakpoint access types. Code breakpoints use AccessFetch.
const (
	AccessFetch     int32 = 1
	AccessRead      int32 = 2
	AccessWrite     int32 = 3
	AccessReadWrite int32 = 4
)

// List returns every breakpoint known to the engine.
func (b *Breakpoints) List(ctx context.Context) ([]cspy.Breakpoint, error) {
	var bps []breakpoint
	err := b.call(ctx, "getBreakpoints", rpc.NewResult(readStructList(&bps)))
	out := make([]cspy.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = bp.Breakpoint
	}
	return out, err
}

// Remove removes the breakpoint with the given id.
func (b *Breakpoints) Remove(ctx context.Context, id int32) error {
	return b.call(ctx, "removeBreakpoint", nil, rpc.I32Field(1, "id", id))
}

// SetOnULE sets a breakpoint at the location named by ule.
func (b *Breakpoints) SetOnULE(ctx context.Context, ule string, access int32) (cspy.Breakpoint, error) {
	var bp breakpoint
	err := b.call(ctx, "setBreakpointOnUle", rpc.NewResult(rpc.Struct(&bp)),
		rpc.StringField(1, "ule", ule),
		rpc.I32Field(2, "accessType", access),
	)
	return bp.Breakpoint, err
}

// Memory is a client of the engine's memory service.
type Memory struct {
	client
}

// NewMemory wraps a connection to the memory service.
func NewMemory(c Caller) *Memory {
	return &Memory{client{c}}
}

// Read reads count units of wordSize bytes at loc.
func (m *Memory) Read(ctx context.Context, loc cspy.Location, wordSize, count int32) ([]byte, error) {
	var data []byte
	err := m.call(ctx, "readMemory", rpc.NewResult(rpc.Binary(&data)),
		rpc.StructField(1, "location", &location{loc}),
		rpc.I32Field(2, "wordSize", wordSize),
		rpc.I32Field(3, "cellSize", 8),
		rpc.I32Field(4, "count", count),
	)
	return data, err
}

// Write writes data at loc in units of wordSize bytes.
func (m *Memory) Write(ctx context.Context, loc cspy.Location, wordSize int32, data []byte) error {
	return m.call(ctx, "writeMemory", nil,
		rpc.StructField(1, "location", &location{loc}),
		rpc.I32Field(2, "wordSize", wordSize),
		rpc.I32Field(3, "cellSize", 8),
		rpc.I32Field(4, "count", int32(len(data))),
		rpc.BinaryField(5, "data", data),
	)
}
