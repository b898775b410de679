// Package contexts maps the client's integer handles for stack frames,
// scopes, variables and expression trees onto engine contexts.
//
// Every handle resolves to a context reference. Operations on a handle run
// with the handle's core focused and its context set as the engine's
// inspection context, so concurrent requests for different frames or cores
// never observe each other's focus.
package contexts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/handles"
	"github.com/dshills/cspybridge/internal/integration/debug/variables"
)

// Scope names.
const (
	ScopeLocal     = "Local"
	ScopeStatic    = "Static"
	ScopeRegisters = "CPU Registers"
)

// Debugger is the part of the engine's Debugger service used here.
type Debugger interface {
	EvalExpression(ctx context.Context, ref cspy.ContextRef, expr string, subExprIndex []int32, format cspy.ExprFormat, prefix bool) (cspy.ExprValue, error)
	AssignExpression(ctx context.Context, ref cspy.ContextRef, expr string, subExprIndex []int32, value cspy.ExprValue) error
	SubExpressionLabels(ctx context.Context, ref cspy.ContextRef, rootExpr string, subExprIndex []int32, start, length int32, treatPointerAsArray bool) ([]string, error)
}

// ContextManager is the part of the engine's ContextManager service used
// here.
type ContextManager interface {
	SetInspectionContext(ctx context.Context, ref cspy.ContextRef) error
	Stack(ctx context.Context, ref cspy.ContextRef, low, high int32) ([]cspy.ContextInfo, error)
}

// Cores focuses a core for the duration of a task. *cores.Service
// implements it.
type Cores interface {
	PerformOnCore(ctx context.Context, core int32, task func(context.Context) error) error
}

// Providers are the variable sources of each scope. Any of them may be nil
// when the engine does not offer the corresponding window.
type Providers struct {
	Locals    variables.Provider
	Statics   variables.Provider
	Registers variables.Provider
}

func (p Providers) each(fn func(variables.Provider)) {
	for _, v := range []variables.Provider{p.Locals, p.Statics, p.Registers} {
		if v != nil {
			fn(v)
		}
	}
}

// reference is what a scope or variables handle stands for.
type reference interface {
	context() cspy.ContextRef
	isReference()
}

// scopeRef is the root of a scope.
type scopeRef struct {
	provider variables.Provider
	ctx      cspy.ContextRef
}

// variableRef is an expandable variable inside a scope; ref is the
// provider's own reference.
type variableRef struct {
	provider variables.Provider
	ctx      cspy.ContextRef
	ref      int
}

// exprRef is an expandable node of an evaluated expression tree.
type exprRef struct {
	ctx          cspy.ContextRef
	root         string
	subExprIndex []int32
	parents      []variables.Parent
}

func (r scopeRef) context() cspy.ContextRef    { return r.ctx }
func (r variableRef) context() cspy.ContextRef { return r.ctx }
func (r exprRef) context() cspy.ContextRef     { return r.ctx }

func (scopeRef) isReference()    {}
func (variableRef) isReference() {}
func (exprRef) isReference()     {}

// Service resolves handles and runs operations in their contexts.
type Service struct {
	debugger  Debugger
	contexts  ContextManager
	cores     Cores
	providers Providers
	logger    *slog.Logger

	frames *handles.Table[cspy.ContextRef]
	refs   *handles.Table[reference]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service.
func New(debugger Debugger, cm ContextManager, c Cores, providers Providers, opts ...Option) *Service {
	s := &Service{
		debugger:  debugger,
		contexts:  cm,
		cores:     c,
		providers: providers,
		logger:    slog.Default(),
		frames:    handles.New[cspy.ContextRef]("frames"),
		refs:      handles.New[reference]("variables"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate drops every handle. It is called whenever the target starts
// running, since frames and variables no longer exist once it has moved.
func (s *Service) Invalidate() {
	s.frames.Reset()
	s.refs.Reset()
	s.logger.Debug("handles invalidated")
}

// FetchStackFrames returns frames start through start+count-1 of core's
// stack, innermost first. count of 0 returns all remaining frames.
func (s *Service) FetchStackFrames(ctx context.Context, core int32, start, count int) ([]dap.StackFrame, error) {
	target := cspy.TargetContext(core)
	high := int32(-1)
	if count > 0 {
		high = int32(start + count)
	}

	var infos []cspy.ContextInfo
	err := s.cores.PerformOnCore(ctx, core, func(ctx context.Context) error {
		var err error
		infos, err = s.contexts.Stack(ctx, target, int32(start), high)
		return err
	})
	if err != nil {
		return nil, cspy.NewOperationError("stackTrace", fmt.Sprintf("core %d", core), err)
	}

	frames := make([]dap.StackFrame, len(infos))
	for i, info := range infos {
		frame := dap.StackFrame{
			ID:                          s.frames.Create(info.Context),
			Name:                        info.FunctionName,
			InstructionPointerReference: info.ExecLocation.Hex(),
		}
		if len(info.SourceRanges) > 0 {
			src := info.SourceRanges[0]
			frame.Source = &dap.Source{Name: baseName(src.Filename), Path: src.Filename}
			frame.Line = int(src.First.Line)
			frame.Column = int(src.First.Col)
		}
		frames[i] = frame
	}
	return frames, nil
}

// FetchScopes returns the scopes of a frame.
func (s *Service) FetchScopes(frameID int) ([]dap.Scope, error) {
	frame, ok := s.frames.Get(frameID)
	if !ok {
		return nil, fmt.Errorf("%w: frame %d", cspy.ErrStaleHandle, frameID)
	}

	scope := func(name, hint string, p variables.Provider) dap.Scope {
		return dap.Scope{
			Name:               name,
			PresentationHint:   hint,
			VariablesReference: s.refs.Create(scopeRef{provider: p, ctx: frame}),
		}
	}
	return []dap.Scope{
		scope(ScopeLocal, "locals", s.providers.Locals),
		scope(ScopeStatic, "", s.providers.Statics),
		scope(ScopeRegisters, "registers", s.providers.Registers),
	}, nil
}

// FetchVariables returns the variables behind a scope, variable or
// expression handle.
func (s *Service) FetchVariables(ctx context.Context, handle int) ([]dap.Variable, error) {
	ref, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}

	var vars []dap.Variable
	err = s.withContext(ctx, ref.context(), func(ctx context.Context) error {
		var err error
		switch r := ref.(type) {
		case scopeRef:
			vars, err = r.provider.Variables(ctx)
			s.wrapProviderRefs(vars, r.provider, r.ctx)
		case variableRef:
			vars, err = r.provider.Subvariables(ctx, r.ref)
			s.wrapProviderRefs(vars, r.provider, r.ctx)
		case exprRef:
			vars, err = s.expressionChildren(ctx, r)
		}
		return err
	})
	if err != nil {
		return nil, cspy.NewOperationError("variables", fmt.Sprintf("handle %d", handle), err)
	}
	return vars, nil
}

// SetVariable assigns value to the child called name of a scope, variable
// or expression handle.
func (s *Service) SetVariable(ctx context.Context, handle int, name, value string) (variables.SetResult, error) {
	ref, err := s.resolve(handle)
	if err != nil {
		return variables.SetResult{}, err
	}

	var res variables.SetResult
	err = s.withContext(ctx, ref.context(), func(ctx context.Context) error {
		var err error
		switch r := ref.(type) {
		case scopeRef:
			res, err = r.provider.SetVariable(ctx, name, 0, value)
		case variableRef:
			res, err = r.provider.SetVariable(ctx, name, r.ref, value)
		case exprRef:
			res, err = s.assignChild(ctx, r, name, value)
		}
		return err
	})
	if err != nil {
		return variables.SetResult{}, cspy.NewOperationError("setVariable", name, err)
	}
	return res, nil
}

// EvalExpression evaluates expr in a frame, or in the engine's current
// inspection context if frameID is nil.
func (s *Service) EvalExpression(ctx context.Context, frameID *int, expr string) (dap.Variable, error) {
	target, err := s.frameContext(frameID)
	if err != nil {
		return dap.Variable{}, err
	}

	var v dap.Variable
	err = s.withContext(ctx, target, func(ctx context.Context) error {
		result, err := s.debugger.EvalExpression(ctx, target, expr, nil, cspy.FormatDefault, true)
		if err != nil {
			return err
		}
		ref := 0
		if result.SubExprCount > 0 {
			ref = s.refs.Create(exprRef{
				ctx:     target,
				root:    expr,
				parents: []variables.Parent{{Name: expr, Value: result}},
			})
		}
		v = variables.FromExpression(expr, result, ref, nil)
		return nil
	})
	if err != nil {
		return dap.Variable{}, cspy.NewOperationError("evaluate", expr, err)
	}
	return v, nil
}

// SetExpression assigns the value of the expression value to expr and
// returns expr's new value.
func (s *Service) SetExpression(ctx context.Context, frameID *int, expr, value string) (dap.Variable, error) {
	target, err := s.frameContext(frameID)
	if err != nil {
		return dap.Variable{}, err
	}

	err = s.withContext(ctx, target, func(ctx context.Context) error {
		val, err := s.debugger.EvalExpression(ctx, target, value, nil, cspy.FormatDefault, true)
		if err != nil {
			return err
		}
		return s.debugger.AssignExpression(ctx, target, expr, nil, val)
	})
	if err != nil {
		return dap.Variable{}, cspy.NewOperationError("setExpression", expr, err)
	}
	return s.EvalExpression(ctx, frameID, expr)
}

func (s *Service) resolve(handle int) (reference, error) {
	ref, ok := s.refs.Get(handle)
	if !ok {
		return nil, fmt.Errorf("%w: variables reference %d", cspy.ErrStaleHandle, handle)
	}
	switch r := ref.(type) {
	case scopeRef:
		if r.provider == nil {
			return nil, cspy.ErrNotSupported
		}
	case variableRef:
		if r.provider == nil {
			return nil, cspy.ErrNotSupported
		}
	}
	return ref, nil
}

func (s *Service) frameContext(frameID *int) (cspy.ContextRef, error) {
	if frameID == nil {
		return cspy.CurrentInspectionContext(), nil
	}
	frame, ok := s.frames.Get(*frameID)
	if !ok {
		return cspy.ContextRef{}, fmt.Errorf("%w: frame %d", cspy.ErrStaleHandle, *frameID)
	}
	return frame, nil
}

// withContext focuses target's core, warns every provider that its window
// is about to refresh and makes target the inspection context before
// running task.
func (s *Service) withContext(ctx context.Context, target cspy.ContextRef, task func(context.Context) error) error {
	return s.cores.PerformOnCore(ctx, target.Core, func(ctx context.Context) error {
		s.providers.each(func(p variables.Provider) { p.NotifyUpdateImminent() })
		if err := s.contexts.SetInspectionContext(ctx, target); err != nil {
			return err
		}
		return task(ctx)
	})
}

// wrapProviderRefs replaces provider-local references with handles.
func (s *Service) wrapProviderRefs(vars []dap.Variable, p variables.Provider, target cspy.ContextRef) {
	for i := range vars {
		if vars[i].VariablesReference > 0 {
			vars[i].VariablesReference = s.refs.Create(variableRef{provider: p, ctx: target, ref: vars[i].VariablesReference})
		}
	}
}

func (s *Service) labels(ctx context.Context, r exprRef) ([]string, error) {
	count := r.parents[len(r.parents)-1].Value.SubExprCount
	return s.debugger.SubExpressionLabels(ctx, r.ctx, r.root, r.subExprIndex, 0, count, false)
}

func (s *Service) expressionChildren(ctx context.Context, r exprRef) ([]dap.Variable, error) {
	labels, err := s.labels(ctx, r)
	if err != nil {
		return nil, err
	}

	vars := make([]dap.Variable, 0, len(labels))
	for i, label := range labels {
		index := childIndex(r.subExprIndex, i)
		val, err := s.debugger.EvalExpression(ctx, r.ctx, r.root, index, cspy.FormatDefault, true)
		if err != nil {
			return nil, err
		}
		ref := 0
		if val.SubExprCount > 0 {
			ref = s.refs.Create(exprRef{
				ctx:          r.ctx,
				root:         r.root,
				subExprIndex: index,
				parents:      append(append([]variables.Parent(nil), r.parents...), variables.Parent{Name: label, Value: val}),
			})
		}
		vars = append(vars, variables.FromExpression(label, val, ref, r.parents))
	}
	return vars, nil
}

func (s *Service) assignChild(ctx context.Context, r exprRef, name, value string) (variables.SetResult, error) {
	labels, err := s.labels(ctx, r)
	if err != nil {
		return variables.SetResult{}, err
	}
	i := indexOf(labels, name)
	if i < 0 {
		return variables.SetResult{}, fmt.Errorf("no member named %q", name)
	}
	index := childIndex(r.subExprIndex, i)

	val, err := s.debugger.EvalExpression(ctx, r.ctx, value, nil, cspy.FormatDefault, true)
	if err != nil {
		return variables.SetResult{}, err
	}
	if err := s.debugger.AssignExpression(ctx, r.ctx, r.root, index, val); err != nil {
		return variables.SetResult{}, err
	}
	updated, err := s.debugger.EvalExpression(ctx, r.ctx, r.root, index, cspy.FormatDefault, true)
	if err != nil {
		return variables.SetResult{}, err
	}
	return variables.SetResult{NewValue: updated.Value, ChangedAddress: variables.ExprAddress(updated)}, nil
}

func childIndex(parent []int32, i int) []int32 {
	return append(append(make([]int32, 0, len(parent)+1), parent...), int32(i))
}

func indexOf(labels []string, name string) int {
	for i, l := range labels {
		if l == name {
			return i
		}
	}
	return -1
}

// baseName returns the last element of a path written with either
// separator, as the engine reports host paths verbatim.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
