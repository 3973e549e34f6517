// Package session runs one synchronization exchange between two replicas
// over a transport.Conn.
//
// Both sides run the same symmetric protocol. Each sends a hello carrying
// its protocol range and version vector, streams every operation the
// other lacks followed by done, and once it has both finished sending and
// received the peer's whole delta it sends complete with its resulting
// vector. The session is Complete when the peer's complete arrives.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/transport"
	"github.com/roach88/driftsync/internal/wire"
)

// Defaults for Options.
const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultAckEvery    = 64
)

// Tracker records what a peer reported holding at the end of a session.
// The garbage collector relies on these vectors.
type Tracker interface {
	RecordSync(ctx context.Context, replica clock.ReplicaID, vector clock.VersionVector, at time.Time) error
}

// AuthorizeFunc decides whether a peer that completed the hello may sync.
type AuthorizeFunc func(ctx context.Context, hello wire.Hello, remoteAddr string) error

// Options configures a session.
type Options struct {
	Store   *entity.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracker Tracker

	// ExpectedPeer, when set, fails the session if the remote replica id
	// differs.
	ExpectedPeer clock.ReplicaID
	Authorize    AuthorizeFunc

	// IdleTimeout bounds the wait for each inbound frame.
	IdleTimeout time.Duration
	// AckEvery sends an ack after this many received operations.
	AckEvery int
	// SendRate caps outbound operations per second; 0 means unlimited.
	SendRate  float64
	SendBurst int

	// ID names the session in logs; generated when empty.
	ID string
	// MinProtocol and MaxProtocol override the advertised range.
	MinProtocol int
	MaxProtocol int
}

// Result summarizes a finished session.
type Result struct {
	ID       string
	State    State
	Peer     clock.ReplicaID
	Protocol int

	Sent     uint64
	Received uint64
	Applied  uint64
	Dropped  uint64

	// PeerVector is the vector the peer reported in its complete frame.
	PeerVector clock.VersionVector
	// Converged reports that both sides ended with equal vectors and
	// equal state digests.
	Converged bool

	Duration time.Duration
}

// Session is a single use exchange over one connection.
type Session struct {
	opts   Options
	conn   transport.Conn
	store  *entity.Store
	logger *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	result Result
}

// New prepares a session over conn. The session owns conn and closes it
// when Run returns.
func New(conn transport.Conn, opts Options) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("session: conn is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.AckEvery <= 0 {
		opts.AckEvery = DefaultAckEvery
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MinProtocol == 0 && opts.MaxProtocol == 0 {
		opts.MinProtocol, opts.MaxProtocol = wire.ProtocolMin, wire.ProtocolMax
	}

	return &Session{
		opts:  opts,
		conn:  conn,
		store: opts.Store,
		logger: opts.Logger.With(
			zap.String("session", opts.ID),
			zap.String("remote", conn.RemoteAddr()),
		),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	s.logger.Debug("session state",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// Run executes the session to completion or failure. The returned Result
// is valid in both cases; on failure err is a *Error.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer s.conn.Close()

	start := time.Now()
	s.opts.Metrics.SessionStarted()
	s.result = Result{ID: s.opts.ID}

	err := s.run(ctx)

	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	res.Duration = time.Since(start)

	if err != nil {
		s.transition(StateFailed)
		res.State = StateFailed
		s.opts.Metrics.SessionEnded(StateFailed.String(), res.Duration.Seconds())
		s.logger.Warn("session failed",
			zap.String("peer", string(res.Peer)),
			zap.Uint64("sent", res.Sent),
			zap.Uint64("received", res.Received),
			zap.Error(err))
		return res, err
	}

	res.State = StateComplete
	s.opts.Metrics.SessionEnded(StateComplete.String(), res.Duration.Seconds())
	s.logger.Info("session complete",
		zap.String("peer", string(res.Peer)),
		zap.Uint64("sent", res.Sent),
		zap.Uint64("received", res.Received),
		zap.Uint64("applied", res.Applied),
		zap.Uint64("dropped", res.Dropped),
		zap.Bool("converged", res.Converged),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (s *Session) run(ctx context.Context) error {
	s.transition(StateNegotiating)
	hello, err := s.negotiate(ctx)
	if err != nil {
		s.abort(err)
		return err
	}

	s.transition(StateDeltaExchange)
	if err := s.exchange(ctx, hello); err != nil {
		s.abort(err)
		return err
	}

	s.transition(StateComplete)
	return nil
}

// negotiate exchanges hellos and checks the peer's identity and protocol.
func (s *Session) negotiate(ctx context.Context) (wire.Hello, error) {
	local := wire.Hello{
		MinProtocol: s.opts.MinProtocol,
		MaxProtocol: s.opts.MaxProtocol,
		Replica:     s.store.Replica(),
		Vector:      s.store.Vector(),
		Session:     s.opts.ID,
	}

	// Sends block on synchronous transports until the peer reads, so the
	// hello goes out while we wait for theirs.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.send(gctx, wire.Frame{Type: wire.TypeHello, Hello: &local})
	})

	var remote wire.Hello
	g.Go(func() error {
		f, err := s.recv(gctx)
		var opErr *wire.OpError
		if err != nil && !errors.As(err, &opErr) {
			return err
		}
		switch f.Type {
		case wire.TypeHello:
			remote = *f.Hello
			return nil
		case wire.TypeError:
			return remoteError("", f.Error)
		}
		return &Error{Code: ErrCodeProtocol, Message: fmt.Sprintf("expected hello, got %s", f.Type)}
	})
	if err := g.Wait(); err != nil {
		return wire.Hello{}, classify(ctx, "", "hello", err)
	}
	if remote.Vector == nil {
		remote.Vector = clock.VersionVector{}
	}

	s.mu.Lock()
	s.result.Peer = remote.Replica
	s.mu.Unlock()
	s.logger = s.logger.With(zap.String("peer", string(remote.Replica)))

	if remote.Replica == "" || remote.Replica == local.Replica {
		return remote, &Error{Code: ErrCodeProtocol, Peer: remote.Replica,
			Message: fmt.Sprintf("invalid remote replica id %q", remote.Replica)}
	}
	if s.opts.ExpectedPeer != "" && remote.Replica != s.opts.ExpectedPeer {
		return remote, &Error{Code: ErrCodeUnexpectedPeer, Peer: remote.Replica,
			Message: fmt.Sprintf("expected %s", s.opts.ExpectedPeer)}
	}
	version, err := wire.Negotiate(local, remote)
	if err != nil {
		return remote, &Error{Code: ErrCodeVersionMismatch, Peer: remote.Replica, Message: err.Error()}
	}
	if s.opts.Authorize != nil {
		if err := s.opts.Authorize(ctx, remote, s.conn.RemoteAddr()); err != nil {
			return remote, &Error{Code: ErrCodeUnauthorized, Peer: remote.Replica, Message: "rejected", Err: err}
		}
	}

	s.mu.Lock()
	s.result.Protocol = version
	s.mu.Unlock()
	s.logger.Debug("negotiated",
		zap.Int("protocol", version),
		zap.Uint64("local_ops", local.Vector.Sum()),
		zap.Uint64("remote_ops", remote.Vector.Sum()))
	return remote, nil
}

// abort tells the peer why the session is ending when the reason is ours
// to report. Transport failures, timeouts and cancellation are not.
func (s *Session) abort(err error) {
	var se *Error
	if !errors.As(err, &se) {
		return
	}
	switch se.Code {
	case ErrCodeVersionMismatch, ErrCodeUnexpectedPeer, ErrCodeUnauthorized, ErrCodeProtocol, ErrCodeStore:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.send(ctx, wire.NewError(string(se.Code), se.Message)); err != nil {
		s.logger.Debug("error frame not delivered", zap.Error(err))
	}
}

func (s *Session) send(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return &Error{Code: ErrCodeProtocol, Message: "encode frame", Err: err}
	}
	return s.conn.Send(ctx, data)
}

// recv waits at most IdleTimeout for the next frame. An op frame whose
// operation does not decode is returned together with a *wire.OpError.
func (s *Session) recv(ctx context.Context) (wire.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.IdleTimeout)
	defer cancel()

	data, err := s.conn.Recv(ctx)
	if err != nil {
		return wire.Frame{}, err
	}
	f, err := wire.Decode(data)
	if err != nil {
		var opErr *wire.OpError
		if errors.As(err, &opErr) {
			return f, opErr
		}
		return wire.Frame{}, &Error{Code: ErrCodeProtocol, Message: "malformed frame", Err: err}
	}
	return f, nil
}

func remoteError(peer clock.ReplicaID, body *wire.ErrorBody) *Error {
	return &Error{Code: ErrCodeRemote, Peer: peer, Message: fmt.Sprintf("%s: %s", body.Code, body.Message)}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
