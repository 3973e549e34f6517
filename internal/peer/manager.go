package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/discovery"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/queue"
	"github.com/roach88/driftsync/internal/session"
	"github.com/roach88/driftsync/internal/transport"
	"github.com/roach88/driftsync/internal/wire"
)

// ErrBusy is returned when a session with the peer is already running.
var ErrBusy = errors.New("peer: session already active")

// Dialer opens a connection to a sync address.
type Dialer func(ctx context.Context, addr string) (transport.Conn, error)

// Dial connects by address scheme: "ws://" and "wss://" use websockets,
// "tcp://" uses length-prefixed streams.
func Dial(ctx context.Context, addr string) (transport.Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return transport.DialWebSocket(ctx, addr)
	case strings.HasPrefix(addr, "tcp://"):
		return transport.DialTCP(ctx, strings.TrimPrefix(addr, "tcp://"))
	}
	return nil, fmt.Errorf("unsupported sync address %q", addr)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store *entity.Store
	Book  Book
	// Dial defaults to Dial.
	Dial Dialer

	// RequirePairing rejects sessions with replicas not in the book.
	RequirePairing bool
	// AutoPair adds discovered replicas to the book.
	AutoPair bool

	IdleTimeout time.Duration
	AckEvery    int
	SendRate    float64
	SendBurst   int

	// DialTimeout bounds the whole retry loop for one dial.
	DialTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Manager runs sessions with peers: inbound ones handed over by a listener,
// outbound ones requested explicitly or triggered by discovery. At most one
// session per peer runs at a time.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger
	events *queue.Queue[Event]

	mu     sync.Mutex
	active map[clock.ReplicaID]struct{}

	wg sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil || opts.Book == nil {
		return nil, fmt.Errorf("peer manager: store and book are required")
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		events: queue.New[Event](),
		active: make(map[clock.ReplicaID]struct{}),
	}, nil
}

// Events returns the lifecycle event queue. It is closed by Close.
func (m *Manager) Events() *queue.Queue[Event] {
	return m.events
}

// Close waits for background syncs and closes the event queue.
func (m *Manager) Close() {
	m.wg.Wait()
	m.events.Close()
}

func (m *Manager) emit(ev Event) {
	ev.At = time.Now()
	m.events.Enqueue(ev)
}

func (m *Manager) claim(id clock.ReplicaID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[id]; busy {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Manager) release(id clock.ReplicaID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Active reports whether a session with id is running.
func (m *Manager) Active(id clock.ReplicaID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) sessionOptions() session.Options {
	return session.Options{
		Store:       m.opts.Store,
		Logger:      m.logger,
		Metrics:     m.opts.Metrics,
		Tracker:     m.opts.Book,
		IdleTimeout: m.opts.IdleTimeout,
		AckEvery:    m.opts.AckEvery,
		SendRate:    m.opts.SendRate,
		SendBurst:   m.opts.SendBurst,
	}
}

// authorize admits an inbound peer after its hello and claims its session
// slot. claimed receives the id so the caller can release it.
func (m *Manager) authorize(claimed *clock.ReplicaID) session.AuthorizeFunc {
	return func(ctx context.Context, hello wire.Hello, addr string) error {
		if m.opts.RequirePairing {
			_, ok, err := m.opts.Book.Get(ctx, hello.Replica)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("replica %s is not paired", hello.Replica)
			}
		}
		if !m.claim(hello.Replica) {
			return ErrBusy
		}
		*claimed = hello.Replica
		return nil
	}
}

// Accept runs an inbound session on conn and blocks until it ends.
func (m *Manager) Accept(ctx context.Context, conn transport.Conn) (session.Result, error) {
	var claimed clock.ReplicaID
	opts := m.sessionOptions()
	opts.Authorize = m.authorize(&claimed)

	s, err := session.New(conn, opts)
	if err != nil {
		conn.Close()
		return session.Result{}, err
	}
	addr := conn.RemoteAddr()
	res, err := s.Run(ctx)
	if claimed != "" {
		m.release(claimed)
	}
	m.finish(ctx, res, addr, err)
	return res, err
}

// SyncNow dials a paired peer at its recorded address and runs one session.
func (m *Manager) SyncNow(ctx context.Context, id clock.ReplicaID) (session.Result, error) {
	rec, ok, err := m.opts.Book.Get(ctx, id)
	if err != nil {
		return session.Result{}, err
	}
	if !ok {
		return session.Result{}, fmt.Errorf("replica %s is not paired", id)
	}
	if rec.Addr == "" {
		return session.Result{}, fmt.Errorf("no known address for replica %s", id)
	}
	return m.SyncAddr(ctx, id, rec.Addr)
}

// SyncAddr dials addr, expecting replica id, and runs one session.
func (m *Manager) SyncAddr(ctx context.Context, id clock.ReplicaID, addr string) (session.Result, error) {
	if !m.claim(id) {
		return session.Result{}, ErrBusy
	}
	defer m.release(id)

	conn, err := m.dial(ctx, addr)
	if err != nil {
		m.emit(Event{Kind: EventSyncFailed, Peer: id, Addr: addr, Err: err})
		return session.Result{}, err
	}
	m.emit(Event{Kind: EventConnected, Peer: id, Addr: addr})

	opts := m.sessionOptions()
	opts.ExpectedPeer = id
	s, err := session.New(conn, opts)
	if err != nil {
		conn.Close()
		return session.Result{}, err
	}
	m.emit(Event{Kind: EventSyncStarted, Peer: id, Addr: addr})
	res, err := s.Run(ctx)
	m.finish(ctx, res, addr, err)
	return res, err
}

// dial retries with exponential backoff until DialTimeout or ctx ends.
func (m *Manager) dial(ctx context.Context, addr string) (transport.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = m.opts.DialTimeout

	var conn transport.Conn
	attempt := func() error {
		c, err := m.opts.Dial(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("dial failed, retrying",
			zap.String("addr", addr),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (m *Manager) finish(ctx context.Context, res session.Result, addr string, err error) {
	if res.Peer != "" {
		if terr := m.opts.Book.Touch(ctx, res.Peer, time.Now()); terr != nil {
			m.logger.Warn("touch peer", zap.String("peer", string(res.Peer)), zap.Error(terr))
		}
	}
	if err != nil {
		m.emit(Event{Kind: EventSyncFailed, Peer: res.Peer, Addr: addr, Err: err})
	} else {
		m.emit(Event{Kind: EventSyncCompleted, Peer: res.Peer, Addr: addr, Received: res.Received, Sent: res.Sent})
	}
	m.emit(Event{Kind: EventDisconnected, Peer: res.Peer, Addr: addr})
	m.updatePeerGauge(ctx)
}

func (m *Manager) updatePeerGauge(ctx context.Context) {
	if m.opts.Metrics == nil {
		return
	}
	if peers, err := m.opts.Book.List(ctx); err == nil {
		m.opts.Metrics.UpdatePeers(len(peers))
	}
}

// SyncAll syncs with every paired peer that has an address, concurrently.
// Busy peers are skipped.
func (m *Manager) SyncAll(ctx context.Context) error {
	peers, err := m.opts.Book.List(ctx)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, p := range peers {
		if p.Addr == "" {
			continue
		}
		g.Go(func() error {
			_, err := m.SyncAddr(ctx, p.ID, p.Addr)
			if errors.Is(err, ErrBusy) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Discovered handles a discovery event: it records the peer as seen and,
// for a peer that is paired (or auto-paired), starts a background sync.
func (m *Manager) Discovered(ctx context.Context, ev discovery.Event) {
	if ev.Replica == m.opts.Store.Replica() {
		return
	}
	logger := m.logger.With(
		zap.String("peer", string(ev.Replica)),
		zap.String("source", ev.Source))

	if !ev.Up {
		logger.Debug("peer gone")
		return
	}

	_, paired, err := m.opts.Book.Get(ctx, ev.Replica)
	if err != nil {
		logger.Warn("peer lookup failed", zap.Error(err))
		return
	}
	if !paired && !m.opts.AutoPair {
		logger.Debug("ignoring unpaired peer")
		return
	}
	if err := m.opts.Book.Pair(ctx, ev.Replica, ev.Addr, time.Now()); err != nil {
		logger.Warn("recording peer address failed", zap.Error(err))
		return
	}
	if err := m.opts.Book.Touch(ctx, ev.Replica, time.Now()); err != nil {
		logger.Warn("touch peer", zap.Error(err))
	}
	if ev.Addr == "" || m.Active(ev.Replica) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.SyncAddr(ctx, ev.Replica, ev.Addr); err != nil && !errors.Is(err, ErrBusy) {
			logger.Info("sync with discovered peer failed", zap.Error(err))
		}
	}()
}
