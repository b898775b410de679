// Package process supervises the child processes the bridge depends on.
//
// A Supervisor starts each process with its stdout and stderr piped, tracks
// it under a unique ID and makes sure nothing it started outlives it:
//
//	sup := process.NewSupervisor(process.WithLogger(logger))
//	defer sup.Shutdown(15 * time.Second)
//
//	proc, err := sup.Start("engine", cmd, process.WithReadyMarker("running"))
//	if err != nil {
//	    return err
//	}
//	if err := proc.WaitReady(ctx); err != nil {
//	    _ = proc.Kill()
//	    return err
//	}
//
// Stdout is watched for the readiness marker and drained afterwards;
// stderr is forwarded to the logger line by line. Stop gives a process a
// grace period to exit on its own before killing it.
package process
