package gc

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes collection failures.
type ErrorCode string

const (
	// ErrCodePeersUnavailable: the peer book could not be read.
	ErrCodePeersUnavailable ErrorCode = "PEERS_UNAVAILABLE"

	// ErrCodeCollectFailed: the store refused or failed to collect.
	ErrCodeCollectFailed ErrorCode = "COLLECT_FAILED"
)

// Error reports why one tombstone could not be examined or collected. The
// tombstone is kept and retried on the next sweep.
type Error struct {
	Code     ErrorCode
	EntityID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gc %s (entity=%s): %v", e.Code, e.EntityID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsGCError returns true if err wraps a collection failure.
func IsGCError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
