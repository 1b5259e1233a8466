package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNodeTimeout is the cause recorded when a node exceeds NodeTimeout.
	ErrNodeTimeout = errors.New("timeout")

	// ErrNilPlan is returned by Execute when plan is nil.
	ErrNilPlan = errors.New("execution plan is nil")

	// ErrNilState is returned by Execute when state is nil.
	ErrNilState = errors.New("shared state is nil")
)

// ErrorKind classifies a per-node failure.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindFailure    ErrorKind = "failure"
	KindPanic      ErrorKind = "panic"
	KindValidation ErrorKind = "validation"
)

// ErrorRecord is the trace a failed node leaves in the run.
type ErrorRecord struct {
	Node      string    `json:"node"`
	Error     string    `json:"error"`
	Kind      ErrorKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeError wraps the cause of a node failure.
type NodeError struct {
	Node  string
	Kind  ErrorKind
	Cause error
}

// Error returns the cause message. The node name travels separately in
// ErrorRecord and log fields.
func (e *NodeError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Record converts the error into an ErrorRecord.
func (e *NodeError) Record(at time.Time) ErrorRecord {
	return ErrorRecord{
		Node:      e.Node,
		Error:     e.Error(),
		Kind:      e.Kind,
		Timestamp: at,
	}
}

// panicError carries a recovered panic value out of a node goroutine.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
