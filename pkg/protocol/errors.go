package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every InvalidCommandError with errors.Is.
var ErrProtocol = errors.New("protocol error")

// InvalidCommandError is returned when the device answered '#'.
type InvalidCommandError struct {
	Mnemonic string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command sent, '#' response received for %q", e.Mnemonic)
}

func (e *InvalidCommandError) Is(target error) bool {
	return target == ErrProtocol
}

// FieldRangeError is returned by EncodeStrict for header fields outside 0-255.
type FieldRangeError struct {
	Field string
	Value int
}

func (e *FieldRangeError) Error() string {
	return fmt.Sprintf("%s %d does not fit in a byte", e.Field, e.Value)
}
