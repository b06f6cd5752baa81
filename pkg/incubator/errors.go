package incubator

import (
	"errors"
	"fmt"

	"incubator/pkg/protocol"
)

var (
	ErrClosed = errors.New("session closed")

	// ErrProtocol matches responses rejected with '#'.
	ErrProtocol = protocol.ErrProtocol
)

// ConnectionError is returned by Open when the transport did not report success.
type ConnectionError struct {
	Port   string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to open connection on %s (status %d): %v", e.Port, e.Status, e.Err)
	}
	return fmt.Sprintf("failed to open connection on %s (status %d)", e.Port, e.Status)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ValidationError is returned before anything is sent when an argument is out of range.
type ValidationError struct {
	Field string
	Value any
	Min   any
	Max   any
}

func (e *ValidationError) Error() string {
	if e.Min == nil && e.Max == nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid %s: %v (valid %v to %v)", e.Field, e.Value, e.Min, e.Max)
}

// ParseError is returned when a response does not hold a known value.
type ParseError struct {
	Mnemonic string
	Raw      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %s response %q", e.Mnemonic, e.Raw)
}

// TransportError wraps a send or read failure. It is never retried.
type TransportError struct {
	Op       string
	Mnemonic string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Mnemonic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
