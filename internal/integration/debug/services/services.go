// Package services provides typed clients for the engine's Thrift services
// and the processors for the callback services the bridge hosts.
//
// Each client wraps one long-lived connection obtained from the registry and
// owns it: Close closes the connection. Method names follow the engine's
// IDL with the Go conventions for getters (getNumberOfCores becomes
// NumberOfCores).
package services

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// Default names the engine registers its services under.
const (
	DebuggerService       = "debugger"
	ContextManagerService = "contextmanager"
	DisassemblyService    = "disassembly"
	SourceLookupService   = "sourcelookup"
	BreakpointsService    = "breakpoints"
	MemoryService         = "memory"

	// DebugEventService is the name the bridge registers its debug event
	// listener under.
	DebugEventService = "debugevent"

	// FrontendSuffix is appended to a list window's service name to form the
	// name of the frontend service the bridge hosts for it.
	FrontendSuffix = ".frontend"
)

// Caller performs calls on one remote service. *rpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, method string, args thrift.TStruct, result *rpc.Result) error
	Close() error
}

// client is embedded by every typed service client.
type client struct {
	c Caller
}

func (c client) call(ctx context.Context, method string, result *rpc.Result, fields ...rpc.FieldWriter) error {
	if result == nil {
		result = rpc.NewResult(rpc.FieldReader{})
	}
	return c.c.Call(ctx, method, rpc.NewOut(method+"_args", fields...), result)
}

func (c client) oneway(ctx context.Context, method string, fields ...rpc.FieldWriter) error {
	return c.c.Call(ctx, method, rpc.NewOut(method+"_args", fields...), nil)
}

// Close closes the underlying connection.
func (c client) Close() error {
	return c.c.Close()
}
