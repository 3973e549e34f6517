package discovery

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig configures membership gossip.
type GossipConfig struct {
	BindAddr string
	BindPort int
	// Seeds are "host:port" gossip addresses to join on start.
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	// Local selects memberlist's loopback tuning instead of LAN tuning.
	Local bool
}

// Gossip shares announcements through a memberlist cluster. A replica's
// member name is its replica id and its node metadata is its announcement.
type Gossip struct {
	ml     *memberlist.Memberlist
	self   Announcement
	meta   []byte
	sink   Sink
	logger *zap.Logger
}

// NewGossip starts a member and joins any seeds. Join failures are logged;
// seeds may come up later.
func NewGossip(cfg GossipConfig, self Announcement, sink Sink, logger *zap.Logger) (*Gossip, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, err := self.encode()
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("announcement of %d bytes exceeds gossip metadata limit", len(meta))
	}

	g := &Gossip{
		self:   self,
		meta:   meta,
		sink:   sink,
		logger: logger.With(zap.String("discovery", "gossip")),
	}

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.Local {
		mlConfig = memberlist.DefaultLocalConfig()
	}
	mlConfig.Name = string(self.Replica)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{g: g}
	mlConfig.LogOutput = io.Discard

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			g.logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	return g, nil
}

// Join contacts more members.
func (g *Gossip) Join(seeds []string) (int, error) {
	return g.ml.Join(seeds)
}

// Addr returns this member's gossip address as "host:port".
func (g *Gossip) Addr() string {
	n := g.ml.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Members returns the announcements of all other live members.
func (g *Gossip) Members() []Announcement {
	var out []Announcement
	for _, n := range g.ml.Members() {
		if n.Name == string(g.self.Replica) {
			continue
		}
		a, err := decodeAnnouncement(n.Meta)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Leave announces departure and stops the member.
func (g *Gossip) Leave(timeout time.Duration) error {
	if err := g.ml.Leave(timeout); err != nil {
		g.logger.Warn("gossip leave", zap.Error(err))
	}
	return g.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (g *Gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		return nil
	}
	return g.meta
}

// NotifyMsg implements memberlist.Delegate. No user messages are sent.
func (g *Gossip) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (g *Gossip) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

func (g *Gossip) emit(n *memberlist.Node, up bool) {
	if n.Name == string(g.self.Replica) || g.sink == nil {
		return
	}
	a, err := decodeAnnouncement(n.Meta)
	if err != nil {
		g.logger.Debug("ignoring member without announcement",
			zap.String("node", n.Name),
			zap.Error(err))
		return
	}
	g.logger.Info("gossip peer",
		zap.String("peer", string(a.Replica)),
		zap.String("addr", a.SyncAddr),
		zap.Bool("up", up))
	g.sink(Event{Replica: a.Replica, Addr: a.SyncAddr, Up: up, Source: "gossip"})
}

type gossipEvents struct {
	g *Gossip
}

func (e *gossipEvents) NotifyJoin(n *memberlist.Node)   { e.g.emit(n, true) }
func (e *gossipEvents) NotifyLeave(n *memberlist.Node)  { e.g.emit(n, false) }
func (e *gossipEvents) NotifyUpdate(n *memberlist.Node) { e.g.emit(n, true) }
