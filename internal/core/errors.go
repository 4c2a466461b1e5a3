package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned to code that was waiting when the worker
	// was terminated.
	ErrTerminated = errors.New("worker terminated")

	// ErrBridgeBusy is returned when a synchronous call is attempted while
	// another one is still in flight.
	ErrBridgeBusy = errors.New("sync call bridge already has a request in flight")

	// ErrBufferReleased is returned when a Buffer is read after its bytes
	// were transferred or released.
	ErrBufferReleased = errors.New("buffer already released")
)

// CompileError reports that the bootstrap or the user script failed to
// compile or to run at startup. It is fatal to the worker.
type CompileError struct {
	Name string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %v", e.Name, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// RuntimeError reports an uncaught exception raised while the dispatch loop
// was running script code. It ends the loop.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or truncated message on either channel.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LifecycleError reports an operation that is not valid in the worker's
// current lifecycle state.
type LifecycleError struct {
	Op    string
	State string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: worker is %s", e.Op, e.State)
}

// UnregisteredCallbackError reports a mailbox delivery for an identifier
// the script never registered with queueCallback.
type UnregisteredCallbackError struct {
	ID string
}

func (e *UnregisteredCallbackError) Error() string {
	return fmt.Sprintf("no callback registered for %q", e.ID)
}

// RemoteError wraps an error returned by the host request handler.
type RemoteError struct {
	Method string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote method %q: %v", e.Method, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ScriptErrorName returns the Error.name an error carries once it is thrown
// inside the worker script.
func ScriptErrorName(err error) string {
	var (
		protoErr  *ProtocolError
		unregErr  *UnregisteredCallbackError
		remoteErr *RemoteError
		lcErr     *LifecycleError
		compErr   *CompileError
	)
	switch {
	case errors.As(err, &protoErr):
		return "ProtocolError"
	case errors.As(err, &unregErr):
		return "UnregisteredCallbackError"
	case errors.As(err, &remoteErr):
		return "RemoteError"
	case errors.As(err, &lcErr):
		return "LifecycleError"
	case errors.As(err, &compErr):
		return "CompileError"
	case errors.Is(err, ErrTerminated):
		return "TerminatedError"
	default:
		return "Error"
	}
}
