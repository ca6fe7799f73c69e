package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below unwrap to the matching sentinel
// so callers can use errors.Is without caring about the details.
var (
	// ErrDuplicateServer is returned when adding a server whose name is
	// already present in the pool.
	ErrDuplicateServer = errors.New("server already exists")

	// ErrInvalidConfig is returned for a server config that cannot be
	// launched (empty name or command).
	ErrInvalidConfig = errors.New("invalid server config")

	// ErrAlreadyRunning is returned by Start on a connection whose
	// process is still running.
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrNotReady is returned for calls on a connection that has not
	// completed its handshake or has since failed.
	ErrNotReady = errors.New("server not ready")

	// ErrNotFound is returned when a routed call names an unknown tool
	// or server.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a request receives no response before
	// its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrStopping rejects requests that were still pending when the
	// connection was stopped.
	ErrStopping = errors.New("server stopping")

	// ErrProcessExited rejects requests that were still pending when the
	// server process exited on its own.
	ErrProcessExited = errors.New("server process exited")

	// ErrLineTooLong reports a frame that exceeded the decoder's limit
	// and was discarded.
	ErrLineTooLong = errors.New("frame exceeds maximum line size")
)

// SpawnError reports that the operating system could not launch a
// server process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DecodeError reports a line from a server that is not a JSON-RPC
// message. Decode errors are logged by the connection and never reach
// a caller.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError reports a request that received no response within its
// deadline. The process is left running.
type TimeoutError struct {
	Method string
	ID     int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (id %d) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NotReadyError reports a call attempted while the connection was not
// in the ready state.
type NotReadyError struct {
	Server string
	Status ConnectionStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("server %s is not ready (status: %s)", e.Server, e.Status)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// NotFoundError reports an unknown tool or server name on a routed call.
type NotFoundError struct {
	Kind string // "tool" or "server"
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "tool" {
		return fmt.Sprintf("tool %s not found on any ready server", e.Name)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
