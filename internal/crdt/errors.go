package crdt

import (
	"errors"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
)

// Error codes for merge failures.
const (
	ErrCodeMalformedPayload  = "MALFORMED_PAYLOAD"
	ErrCodeMissingDependency = "MISSING_DEPENDENCY"
)

// MergeError reports an operation a primitive could not integrate.
// It is scoped to one operation; callers drop the op and continue.
type MergeError struct {
	Code    string
	Dot     clock.Dot
	Field   string
	Message string
}

func (e *MergeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] op %s field %q: %s", e.Code, e.Dot, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] op %s: %s", e.Code, e.Dot, e.Message)
}

func malformed(o op.Operation, format string, args ...any) *MergeError {
	return &MergeError{
		Code:    ErrCodeMalformedPayload,
		Dot:     o.Dot(),
		Field:   o.Payload.Field,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsMalformedPayload reports whether err is a malformed payload failure.
func IsMalformedPayload(err error) bool {
	var me *MergeError
	return errors.As(err, &me) && me.Code == ErrCodeMalformedPayload
}

// IsMissingDependency reports whether err is an unresolved reference failure.
func IsMissingDependency(err error) bool {
	var me *MergeError
	return errors.As(err, &me) && me.Code == ErrCodeMissingDependency
}
