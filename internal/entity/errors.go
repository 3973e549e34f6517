package entity

import (
	"errors"
	"fmt"
)

// StoreErrorCode categorizes store errors.
type StoreErrorCode string

const (
	// ErrCodeUnknownEntityType: the entity type is not in the schema registry.
	ErrCodeUnknownEntityType StoreErrorCode = "UNKNOWN_ENTITY_TYPE"

	// ErrCodeUnknownField: the field is not declared for the entity type.
	ErrCodeUnknownField StoreErrorCode = "UNKNOWN_FIELD"

	// ErrCodeEntityDeleted: a local write targeted a deleted entity.
	ErrCodeEntityDeleted StoreErrorCode = "ENTITY_DELETED"

	// ErrCodeInvalidChange: a local change cannot be resolved against state,
	// e.g. an index out of range.
	ErrCodeInvalidChange StoreErrorCode = "INVALID_CHANGE"

	// ErrCodePersistence: the persister failed; the op was not applied.
	ErrCodePersistence StoreErrorCode = "PERSISTENCE"

	// ErrCodePendingFull: too many ops are waiting on dependencies.
	ErrCodePendingFull StoreErrorCode = "PENDING_FULL"

	// ErrCodeNotTombstoned: collection was requested for a live entity.
	ErrCodeNotTombstoned StoreErrorCode = "NOT_TOMBSTONED"
)

// StoreError is a per-operation store failure. It never leaves the store in
// a partially applied state.
type StoreError struct {
	Code     StoreErrorCode
	EntityID string
	Message  string
	Err      error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.EntityID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code StoreErrorCode) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == code
}

// IsUnknownEntityType returns true if err reports an unregistered entity type.
func IsUnknownEntityType(err error) bool {
	return hasCode(err, ErrCodeUnknownEntityType)
}

// IsUnknownField returns true if err reports an undeclared field.
func IsUnknownField(err error) bool {
	return hasCode(err, ErrCodeUnknownField)
}

// IsEntityDeleted returns true if err reports a write to a deleted entity.
func IsEntityDeleted(err error) bool {
	return hasCode(err, ErrCodeEntityDeleted)
}

// IsInvalidChange returns true if err reports an unresolvable local change.
func IsInvalidChange(err error) bool {
	return hasCode(err, ErrCodeInvalidChange)
}

// IsPersistence returns true if err reports a persistence failure.
func IsPersistence(err error) bool {
	return hasCode(err, ErrCodePersistence)
}

// IsPendingFull returns true if err reports an exhausted pending buffer.
func IsPendingFull(err error) bool {
	return hasCode(err, ErrCodePendingFull)
}

// IsNotTombstoned returns true if err reports collection of a live or
// unknown entity.
func IsNotTombstoned(err error) bool {
	return hasCode(err, ErrCodeNotTombstoned)
}
