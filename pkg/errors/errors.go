package errors

import (
	stderrors "errors"
	"fmt"
)

// CoreError is returned by the host-side parts of the runtime (configuration,
// host memory mapping, snapshot storage, debugger transport). Guest visible
// kernel results use the sentinels in package kernel instead.
type CoreError struct {
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// IsCoreError checks if an error is, or wraps, a core error
func IsCoreError(err error) bool {
	var ce *CoreError
	return stderrors.As(err, &ce)
}

// Wrap wraps an existing error as a core error
func Wrap(err error, message string) *CoreError {
	return &CoreError{
		Message: message,
		Cause:   err,
	}
}

// Errorf creates a new core error with formatted message
func Errorf(format string, args ...interface{}) *CoreError {
	return &CoreError{
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
