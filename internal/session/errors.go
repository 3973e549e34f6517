package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
)

// ErrorCode categorizes session failures.
type ErrorCode string

const (
	// ErrCodeVersionMismatch: the protocol ranges do not overlap.
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// ErrCodeUnexpectedPeer: the remote replica is not the one dialed.
	ErrCodeUnexpectedPeer ErrorCode = "UNEXPECTED_PEER"

	// ErrCodeUnauthorized: the authorization hook rejected the peer.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeProtocol: a frame was malformed or arrived out of order.
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeTransport: the connection failed.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeTimeout: no frame arrived within the idle timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeCanceled: the caller canceled the session.
	ErrCodeCanceled ErrorCode = "CANCELED"

	// ErrCodeRemote: the peer aborted and said why.
	ErrCodeRemote ErrorCode = "REMOTE"

	// ErrCodeStore: the local store could not accept operations.
	ErrCodeStore ErrorCode = "STORE"
)

// Error reports why a session ended in StateFailed. Operations applied
// before the failure stay applied; the next session resumes from the
// updated vectors.
type Error struct {
	Code    ErrorCode
	Peer    clock.ReplicaID
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("session %s: %s", e.Code, e.Message)
	if e.Peer != "" {
		msg = fmt.Sprintf("%s (peer=%s)", msg, e.Peer)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the session error code of err, or "" if err is not a
// session error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsVersionMismatch returns true if the peers share no protocol version.
func IsVersionMismatch(err error) bool {
	return CodeOf(err) == ErrCodeVersionMismatch
}

// IsUnexpectedPeer returns true if the remote identity did not match.
func IsUnexpectedPeer(err error) bool {
	return CodeOf(err) == ErrCodeUnexpectedPeer
}

// IsUnauthorized returns true if the peer was rejected.
func IsUnauthorized(err error) bool {
	return CodeOf(err) == ErrCodeUnauthorized
}

// IsProtocol returns true for malformed or out-of-order frames.
func IsProtocol(err error) bool {
	return CodeOf(err) == ErrCodeProtocol
}

// IsTimeout returns true if the session idled out.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsCanceled returns true if the caller canceled the session.
func IsCanceled(err error) bool {
	return CodeOf(err) == ErrCodeCanceled
}

// IsRemote returns true if the peer aborted the session.
func IsRemote(err error) bool {
	return CodeOf(err) == ErrCodeRemote
}

// classify maps an I/O error to a session error. parent is the caller's
// context, used to tell cancellation apart from an idle timeout.
func classify(parent context.Context, peer clock.ReplicaID, what string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &Error{Code: ErrCodeCanceled, Peer: peer, Message: what, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: ErrCodeTimeout, Peer: peer, Message: what, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Code: ErrCodeCanceled, Peer: peer, Message: what, Err: err}
	}
	return &Error{Code: ErrCodeTransport, Peer: peer, Message: what, Err: err}
}
