// Package rpc carries calls between the bridge and the C-SPY engine over
// Apache Thrift (binary protocol, buffered socket transport).
//
// The engine's IDL is not compiled into Go. Instead, structs are written and
// read field by field with the helpers in codec.go, which keeps the wire
// layer small and lets each service package declare only the fields it
// consumes. Unknown fields are skipped, so newer engines that add fields
// keep working.
//
// # Outbound calls
//
// Dial opens a connection to one service location and returns a Client.
// Calls on a Client are serialized:
//
//	c, err := rpc.Dial(ctx, "debugger", loc)
//	args := rpc.NewOut("exit_args")
//	err = c.Call(ctx, "exit", args, rpc.NewResult(rpc.FieldReader{}))
//
// Engine exceptions come back as *cspy.EngineError.
//
// # Inbound calls
//
// The engine pushes notifications by calling services the bridge hosts.
// Build a Processor, register handlers, and Serve it on an ephemeral port:
//
//	p := rpc.NewProcessor("frontend", logger)
//	p.HandleOneway("notify", handleNotify)
//	srv, err := rpc.Serve("frontend", p, logger)
//
// Every call is counted in Prometheus and traced with OpenTelemetry.
package rpc
