package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/clock"
)

func TestEventFromEntry(t *testing.T) {
	v4 := []net.IP{net.ParseIP("10.0.0.7")}

	ev, ok := eventFromEntry([]string{"replica=B", "scheme=ws", "path=/sync"}, v4, nil, 7420, 120)
	require.True(t, ok)
	assert.Equal(t, Event{Replica: "B", Addr: "ws://10.0.0.7:7420/sync", Up: true, Source: "mdns"}, ev)

	ev, ok = eventFromEntry([]string{"replica=C", "scheme=tcp"}, nil, []net.IP{net.ParseIP("fe80::1")}, 7421, 120)
	require.True(t, ok)
	assert.Equal(t, "tcp://[fe80::1]:7421", ev.Addr)

	ev, ok = eventFromEntry([]string{"replica=B"}, nil, nil, 0, 0)
	require.True(t, ok, "goodbye without address")
	assert.False(t, ev.Up)

	_, ok = eventFromEntry([]string{"scheme=ws"}, v4, nil, 7420, 120)
	assert.False(t, ok, "no replica id")

	_, ok = eventFromEntry([]string{"replica=B"}, nil, nil, 7420, 120)
	assert.False(t, ok, "live entry without address")
}

func TestMDNS_TXTRecords(t *testing.T) {
	m := NewMDNS(MDNSConfig{Port: 7420, Path: "/sync"}, Announcement{Replica: "A"}, nil)
	assert.Equal(t, []string{"replica=A", "scheme=ws", "path=/sync"}, m.txtRecords())
	assert.Equal(t, DefaultService, m.cfg.Service)
}

func TestAnnouncement_RoundTrip(t *testing.T) {
	data, err := Announcement{Replica: "A", SyncAddr: "ws://h:1/sync"}.encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"replica":"A","sync_addr":"ws://h:1/sync"}`, string(data))

	a, err := decodeAnnouncement(data)
	require.NoError(t, err)
	assert.Equal(t, clock.ReplicaID("A"), a.Replica)

	_, err = decodeAnnouncement([]byte(`{"sync_addr":"x"}`))
	assert.Error(t, err)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(replica clock.ReplicaID, up bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Replica == replica && ev.Up == up {
			return true
		}
	}
	return false
}

func TestGossip_JoinAndLeave(t *testing.T) {
	cfg := GossipConfig{BindAddr: "127.0.0.1", Local: true}

	var seen eventLog
	a, err := NewGossip(cfg, Announcement{Replica: "A", SyncAddr: "ws://127.0.0.1:1/sync"}, seen.sink, nil)
	require.NoError(t, err)
	defer a.Leave(time.Second)

	bcfg := cfg
	bcfg.Seeds = []string{a.Addr()}
	b, err := NewGossip(bcfg, Announcement{Replica: "B", SyncAddr: "ws://127.0.0.1:2/sync"}, nil, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return seen.has("B", true) }, 5*time.Second, 20*time.Millisecond)
	members := a.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "ws://127.0.0.1:2/sync", members[0].SyncAddr)

	require.NoError(t, b.Leave(time.Second))
	assert.Eventually(t, func() bool { return seen.has("B", false) }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, seen.has("A", true), "self is never reported")
}
