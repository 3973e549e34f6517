// Package transport carries encoded frames between two replicas.
//
// A Conn is an ordered, reliable, bidirectional frame channel. Two
// implementations exist: length-prefixed frames over any net.Conn, and one
// frame per binary message over a websocket.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/roach88/driftsync/internal/wire"
)

// Conn is one end of a sync connection. Send and Recv may be called
// concurrently with each other but not with themselves.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: connection closed")

// withDeadline runs fn with set bound to ctx: the context deadline is
// applied up front and cancellation forces an immediate timeout. The
// context error takes precedence over the I/O error it caused.
func withDeadline(ctx context.Context, set func(time.Time) error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := set(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
	err := fn()
	stop()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// Stream frames a byte-stream connection with 4-byte length prefixes.
type Stream struct {
	conn    net.Conn
	maxSize int

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn. maxSize <= 0 uses wire.DefaultMaxFrameSize.
func NewStream(conn net.Conn, maxSize int) *Stream {
	if maxSize <= 0 {
		maxSize = wire.DefaultMaxFrameSize
	}
	return &Stream{conn: conn, maxSize: maxSize}
}

// Send writes one frame.
func (s *Stream) Send(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return withDeadline(ctx, s.conn.SetWriteDeadline, func() error {
		return wire.WriteFrame(s.conn, frame)
	})
}

// Recv reads one frame.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	var frame []byte
	err := withDeadline(ctx, s.conn.SetReadDeadline, func() error {
		var err error
		frame, err = wire.ReadFrame(s.conn, s.maxSize)
		return err
	})
	return frame, err
}

// RemoteAddr returns the peer's network address.
func (s *Stream) RemoteAddr() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewStream(a, 0), NewStream(b, 0)
}

// DialTCP connects to a stream listener.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStream(conn, 0), nil
}

// ServeTCP accepts connections from ln until ctx is done and hands each to
// accept on its own goroutine.
func ServeTCP(ctx context.Context, ln net.Listener, accept func(Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			accept(NewStream(conn, 0))
		}()
	}
}
