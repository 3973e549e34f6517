package peer

import (
	"time"

	"github.com/roach88/driftsync/internal/clock"
)

// EventKind classifies peer lifecycle events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventSyncStarted
	EventSyncCompleted
	EventSyncFailed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSyncStarted:
		return "sync_started"
	case EventSyncCompleted:
		return "sync_completed"
	case EventSyncFailed:
		return "sync_failed"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event reports peer activity to applications.
type Event struct {
	Kind EventKind
	Peer clock.ReplicaID
	Addr string
	// Received and Sent are set on EventSyncCompleted.
	Received uint64
	Sent     uint64
	Err      error
	At       time.Time
}
