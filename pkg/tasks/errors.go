package tasks

import (
	"errors"
	"fmt"
)

// ErrorKind is the task failure taxonomy, reported as Result.ErrorKind.
type ErrorKind string

const (
	DisallowedCommand ErrorKind = "disallowed_command"
	UnsupportedKind   ErrorKind = "unsupported_kind"
	ExecutionFailed   ErrorKind = "execution_failed"
	Timeout           ErrorKind = "timeout"
	DependencyMissing ErrorKind = "dependency_missing"
	InvalidPayload    ErrorKind = "invalid_payload"
)

// Error is a classified task failure. ExitCode is meaningful for
// ExecutionFailed only.
type Error struct {
	Kind     ErrorKind
	ExitCode int
	Message  string
	Err      error
}

var (
	ErrDisallowedCommand = &Error{Kind: DisallowedCommand}
	ErrUnsupportedKind   = &Error{Kind: UnsupportedKind}
	ErrExecutionFailed   = &Error{Kind: ExecutionFailed}
	ErrTimeout           = &Error{Kind: Timeout}
	ErrDependencyMissing = &Error{Kind: DependencyMissing}
	ErrInvalidPayload    = &Error{Kind: InvalidPayload}
)

func (e *Error) Error() string {
	var prefix string
	switch e.Kind {
	case DisallowedCommand:
		prefix = "command not allowed"
	case UnsupportedKind:
		prefix = "unsupported task kind"
	case ExecutionFailed:
		prefix = "execution failed"
		if e.ExitCode != 0 {
			prefix = fmt.Sprintf("execution failed with exit code %d", e.ExitCode)
		}
	case Timeout:
		prefix = "timeout"
	case DependencyMissing:
		prefix = "dependency missing"
	case InvalidPayload:
		prefix = "invalid payload"
	default:
		prefix = string(e.Kind)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return prefix + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func disallowed(reason string) *Error {
	return &Error{Kind: DisallowedCommand, Message: reason}
}

func invalidPayload(msg string, err error) *Error {
	return &Error{Kind: InvalidPayload, Message: msg, Err: err}
}

func dependencyMissing(msg string, err error) *Error {
	return &Error{Kind: DependencyMissing, Message: msg, Err: err}
}

func executionFailed(code int, msg string) *Error {
	return &Error{Kind: ExecutionFailed, ExitCode: code, Message: msg}
}

// KindOf returns the taxonomy kind of err, defaulting to ExecutionFailed.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ExecutionFailed
}
