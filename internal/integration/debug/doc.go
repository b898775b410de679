// Package debug bridges debug clients to the remote C-SPY debugging engine.
//
// A Session launches the engine process, waits for it to announce its
// service registry and connects the services a debugger front end needs:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Session                             │
//	│  contexts · disasm · runcontrol · breakpoints · watches      │
//	└──────────────────────────────────────────────────────────────┘
//	            │ cores (focus)          │ variables (list windows)
//	            ▼                        ▼
//	┌──────────────────────────────────────────────────────────────┐
//	│             services / listwindow over rpc (Thrift)          │
//	└──────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌──────────────────────────────────────────────────────────────┐
//	│      registry: the engine's service directory + callbacks    │
//	└──────────────────────────────────────────────────────────────┘
//
// # Lifecycle
//
// StartSession creates a private working directory, starts the engine in
// it and waits for the readiness marker on its stdout. The engine then
// writes its registry location to a bootstrap file in that directory. Once
// the registry answers, the session hosts the debug event listener, finds
// the Debugger service and runs the configured Prepare hook. Windows and
// the remaining services are connected last.
//
// Shutdown asks the engine to exit, disconnects every window and service,
// waits for the process with a bounded timeout and kills it if needed.
//
// # Engine events
//
// Debug events arrive on a listener hosted by the session. They are queued
// and handled in order on one goroutine, so a handler may call back into
// the engine without deadlocking the listener.
//
// # Errors
//
// Failures are reported as *cspy.OperationError wrapping one of the cspy
// sentinel errors. Use errors.Is to test for them.
package debug
