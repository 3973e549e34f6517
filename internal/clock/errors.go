package clock

import (
	"errors"
	"fmt"
)

// Error reports that the wall clock is unusable. It is fatal for the
// replica and never retried.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("clock unavailable: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsClockError reports whether err wraps a clock failure.
func IsClockError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
