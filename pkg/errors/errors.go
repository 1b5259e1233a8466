package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that a message could not be decoded
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrNoResponse indicates that nobody answered a request
	ErrNoResponse = errors.New("no response received")

	// ErrSubscriptionFailed indicates that a subscription could not be created
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrRemote indicates that the remote side answered with an error
	ErrRemote = errors.New("remote error")
)

// Machine-readable codes carried across the NATS boundary.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidResponse  = "INVALID_RESPONSE"
	CodeTimeout          = "TIMEOUT"
	CodeNoResponders     = "NO_RESPONDERS"
	CodeRequestFailed    = "REQUEST_FAILED"
	CodeRemote           = "REMOTE_ERROR"
	CodeProcessingFailed = "PROCESSING_FAILED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// Error represents a structured error with a code
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new coded error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Payload is the JSON form of an error in reply envelopes.
type Payload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToPayload converts any error to its wire form. Errors without a code are
// reported as CodeInternal.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	return &Payload{Code: CodeOf(err), Message: err.Error()}
}

// FromPayload turns a received payload back into an error wrapping
// ErrRemote. A nil payload yields nil.
func FromPayload(p *Payload) error {
	if p == nil {
		return nil
	}
	code := p.Code
	if code == "" {
		code = CodeRemote
	}
	return NewError(code, p.Message, ErrRemote)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsRemote checks if an error came back from the remote side
func IsRemote(err error) bool {
	return errors.Is(err, ErrRemote)
}
