package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of every assembly-time failure. A query that
	// fails with it cannot run and must not be partially deployed.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoOutputSchema indicates that the event metadata did not yield an output stream definition
	ErrNoOutputSchema = fmt.Errorf("%w: no output schema", ErrConfiguration)

	// ErrNoReceivers indicates that the stream intake exposes no single-stream receivers
	ErrNoReceivers = fmt.Errorf("%w: stream intake has no receivers", ErrConfiguration)

	// ErrNotInitialized indicates a duplication attempt on a runtime that has not finished construction
	ErrNotInitialized = fmt.Errorf("%w: query runtime not initialized", ErrConfiguration)

	// ErrCloneOfClone indicates a duplication attempt on a runtime that is itself a partition clone
	ErrCloneOfClone = fmt.Errorf("%w: partition clones cannot be duplicated", ErrConfiguration)

	// ErrDuplicatePartition indicates a second duplication for a partition key that already has a clone
	ErrDuplicatePartition = fmt.Errorf("%w: partition key already duplicated", ErrConfiguration)

	// ErrInvalidDefinition indicates that a declarative query is incomplete or inconsistent
	ErrInvalidDefinition = fmt.Errorf("%w: invalid query definition", ErrConfiguration)

	// ErrNotStarted indicates that events reached a rate limiter before it was started
	ErrNotStarted = errors.New("rate limiter not started")

	// ErrUnknownStream indicates that events were routed to a stream id the intake does not consume
	ErrUnknownStream = errors.New("unknown stream")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")
)

// Error codes used with Error.
const (
	CodeConfiguration = "CONFIGURATION"
	CodeDelivery      = "DELIVERY"
	CodeTransport     = "TRANSPORT"
)

// Error represents a structured engine error
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

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Configuration wraps err (usually one of the sentinel configuration errors)
// with a message naming the offending query.
func Configuration(message string, err error) *Error {
	if err == nil {
		err = ErrConfiguration
	}
	return NewError(CodeConfiguration, message, err)
}

// IsConfiguration reports whether err is a fatal assembly-time error, either
// wrapping ErrConfiguration or carrying CodeConfiguration
func IsConfiguration(err error) bool {
	if errors.Is(err, ErrConfiguration) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Code == CodeConfiguration
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
