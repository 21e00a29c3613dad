package operation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned for operations no handler is registered for.
	ErrUnknownKind = errors.New("unknown operation kind")
	// ErrElevationRefused means privileged operations could not be run.
	ErrElevationRefused = errors.New("elevation refused")
)

// ArgumentError reports an operation invoked with a malformed argument list.
type ArgumentError struct {
	Kind    Kind
	Args    []string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid arguments %q: %s", e.Kind, e.Args, e.Message)
}

// Error reports a failed perform or undo.
type Error struct {
	Kind    Kind
	Path    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Kind, e.Path, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func opError(kind Kind, path, message string, cause error) error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}
