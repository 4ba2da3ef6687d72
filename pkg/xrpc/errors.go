package xrpc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("xrpc: invalid configuration")
	ErrDecodeFailed  = errors.New("xrpc: cannot decode call args")
	ErrBuild         = errors.New("xrpc: cannot build call statement")
	ErrExecution     = errors.New("xrpc: statement execution failed")
	ErrInstall       = errors.New("xrpc: schema install failed")
)

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

// BuildError aborts a destination when a call reaches rendering with undecodable args.
type BuildError struct {
	Destination string
	EventID     int64
	Err         error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: destination %q event %d: %v", ErrBuild, e.Destination, e.EventID, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuild, e.Err}
}

// ExecutionError reports a failed statement chunk (or a failed transaction step) on a destination.
type ExecutionError struct {
	Destination string
	BatchID     int64
	Step        string
	Chunk       int
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Step == stepChunk {
		return fmt.Sprintf("%s: destination %q batch %d chunk %d: %v", ErrExecution, e.Destination, e.BatchID, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: destination %q batch %d %s: %v", ErrExecution, e.Destination, e.BatchID, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// OrderingError is absorbed by the dispatcher; the destination keeps arrival order.
type OrderingError struct {
	EventID int64
	Field   string
	Value   string
	Err     error
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("xrpc: cannot order event %d by %s=%q: %v", e.EventID, e.Field, e.Value, e.Err)
}

func (e *OrderingError) Unwrap() error {
	return e.Err
}
