// Package discovery finds other replicas on the network and reports their
// sync addresses. Two mechanisms exist: mDNS on the local link and gossip
// membership for routed networks. Both report through the same Event.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
)

// Event reports that a replica appeared or went away.
type Event struct {
	Replica clock.ReplicaID
	// Addr is a dialable sync address, e.g. "ws://10.0.0.7:7420/sync".
	Addr   string
	Up     bool
	Source string
}

// Sink receives discovery events. It must not block for long.
type Sink func(Event)

// Announcement is what a replica advertises about itself.
type Announcement struct {
	Replica  clock.ReplicaID `json:"replica"`
	SyncAddr string          `json:"sync_addr"`
}

func (a Announcement) encode() ([]byte, error) {
	return json.Marshal(a)
}

func decodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("decode announcement: %w", err)
	}
	if a.Replica == "" {
		return a, fmt.Errorf("announcement without replica id")
	}
	return a, nil
}
