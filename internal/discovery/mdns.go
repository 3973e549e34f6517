package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
)

// MDNS defaults.
const (
	DefaultService        = "_driftsync._tcp"
	DefaultDomain         = "local."
	DefaultBrowseInterval = 30 * time.Second
)

// MDNSConfig configures link-local discovery.
type MDNSConfig struct {
	Service        string
	Domain         string
	BrowseInterval time.Duration
	// Port is the local sync listener port to advertise.
	Port int
	// Scheme is "ws" or "tcp"; Path applies to ws only.
	Scheme string
	Path   string
}

// MDNS advertises this replica and browses for others.
type MDNS struct {
	cfg    MDNSConfig
	self   Announcement
	logger *zap.Logger
}

// NewMDNS creates an mDNS discoverer for self.
func NewMDNS(cfg MDNSConfig, self Announcement, logger *zap.Logger) *MDNS {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "ws"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNS{cfg: cfg, self: self, logger: logger.With(zap.String("discovery", "mdns"))}
}

// txtRecords encodes the announcement as TXT key=value pairs.
func (m *MDNS) txtRecords() []string {
	txt := []string{
		"replica=" + string(m.self.Replica),
		"scheme=" + m.cfg.Scheme,
	}
	if m.cfg.Path != "" {
		txt = append(txt, "path="+m.cfg.Path)
	}
	return txt
}

// Run registers the service and browses every BrowseInterval until ctx is
// done.
func (m *MDNS) Run(ctx context.Context, sink Sink) error {
	server, err := zeroconf.Register(
		"driftsync-"+string(m.self.Replica),
		m.cfg.Service,
		m.cfg.Domain,
		m.cfg.Port,
		m.txtRecords(),
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	m.logger.Info("mdns service registered",
		zap.String("service", m.cfg.Service),
		zap.Int("port", m.cfg.Port))

	for {
		if err := m.browse(ctx, sink); err != nil {
			m.logger.Warn("mdns browse failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.BrowseInterval):
		}
	}
}

// browse runs one browse round lasting at most BrowseInterval.
func (m *MDNS) browse(ctx context.Context, sink Sink) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("init mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.BrowseInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				ev, ok := eventFromEntry(entry.Text, entry.AddrIPv4, entry.AddrIPv6, entry.Port, entry.TTL)
				if !ok || ev.Replica == m.self.Replica {
					continue
				}
				m.logger.Debug("mdns peer",
					zap.String("peer", string(ev.Replica)),
					zap.String("addr", ev.Addr),
					zap.Bool("up", ev.Up))
				sink(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, m.cfg.Service, m.cfg.Domain, entries); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// eventFromEntry builds an event from a resolved service entry. A zero
// TTL is a goodbye.
func eventFromEntry(text []string, v4, v6 []net.IP, port int, ttl uint32) (Event, bool) {
	fields := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			fields[k] = v
		}
	}
	replica := fields["replica"]
	if replica == "" {
		return Event{}, false
	}

	var ip net.IP
	switch {
	case len(v4) > 0:
		ip = v4[0]
	case len(v6) > 0:
		ip = v6[0]
	}
	ev := Event{Replica: clock.ReplicaID(replica), Up: ttl > 0, Source: "mdns"}
	if ip == nil || port <= 0 {
		return ev, !ev.Up
	}

	host := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	switch fields["scheme"] {
	case "tcp":
		ev.Addr = "tcp://" + host
	default:
		ev.Addr = "ws://" + host + fields["path"]
	}
	return ev, true
}
