package cspy

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match these with errors.Is; the concrete error
// returned is usually an *OperationError wrapping one of them.
var (
	// ErrServiceUnavailable is returned when a named service could not be
	// located or connected to. Optional providers degrade on it instead of
	// failing the session.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrProtocolDrift is returned when an engine reply does not have the
	// expected shape (missing menu entry, column or marker).
	ErrProtocolDrift = errors.New("unexpected engine reply")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")

	// ErrStaleHandle is returned for handles that were never issued or were
	// invalidated when the target resumed.
	ErrStaleHandle = errors.New("no such frame or variable")

	// ErrNotSupported is returned for scopes whose provider could not be
	// started with this engine.
	ErrNotSupported = errors.New("not supported in this engine version")
)

// OperationError records the operation and target that failed.
type OperationError struct {
	Op     string // Operation name (e.g., "findService", "getChildrenOf")
	Target string // Target of the operation (e.g., service or window name)
	Err    error  // Underlying error
}

// NewOperationError creates a new OperationError.
func NewOperationError(op, target string, err error) *OperationError {
	return &OperationError{
		Op:     op,
		Target: target,
		Err:    err,
	}
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Op
	if e.Target != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Target)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// EngineError is an exception raised by the engine in reply to a call.
type EngineError struct {
	Code    int32
	Method  string
	Message string
	Culprit string
}

func (e *EngineError) Error() string {
	if e.Culprit != "" {
		return fmt.Sprintf("engine error in %s: %s (code %d, culprit %s)", e.Method, e.Message, e.Code, e.Culprit)
	}
	return fmt.Sprintf("engine error in %s: %s (code %d)", e.Method, e.Message, e.Code)
}
