package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/crdt"
	"github.com/roach88/driftsync/internal/delta"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/queue"
	"github.com/roach88/driftsync/internal/wire"
)

// exchange streams deltas in both directions and drains.
//
// A single writer owns the outbound direction. The reader never sends:
// acks are handed to the writer through an unbounded queue, so a reader
// is always free to consume and two peers cannot block on each other's
// full pipes.
func (s *Session) exchange(ctx context.Context, remote wire.Hello) error {
	peer := remote.Replica
	stream := delta.Compute(s.store, remote.Vector)
	s.logger.Debug("delta computed", zap.Int("ops", stream.Len()))

	control := queue.New[wire.Frame]()
	defer control.Close()
	peerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.write(gctx, stream, control, peerDone)
	})
	g.Go(func() error {
		return s.read(gctx, peer, control, peerDone)
	})
	if err := g.Wait(); err != nil {
		return classify(ctx, peer, "delta exchange", err)
	}
	return nil
}

func (s *Session) write(ctx context.Context, stream *delta.Stream, control *queue.Queue[wire.Frame], peerDone <-chan struct{}) error {
	limiter := newLimiter(s.opts.SendRate, s.opts.SendBurst)

	flush := func() error {
		for {
			f, ok := control.TryDequeue()
			if !ok {
				return nil
			}
			if err := s.send(ctx, f); err != nil {
				return err
			}
		}
	}

	var sent uint64
	for o := range stream.All() {
		if err := flush(); err != nil {
			return err
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.send(ctx, wire.NewOp(o)); err != nil {
			return err
		}
		sent++
		s.opts.Metrics.RecordSent()
		s.mu.Lock()
		s.result.Sent = sent
		s.mu.Unlock()
	}
	if err := flush(); err != nil {
		return err
	}
	if err := s.send(ctx, wire.NewDone(sent)); err != nil {
		return err
	}
	s.logger.Debug("delta sent", zap.Uint64("ops", sent))

	for {
		select {
		case <-peerDone:
			// the reader queues its final ack before signaling
			if err := flush(); err != nil {
				return err
			}
			s.transition(StateDraining)
			return s.sendComplete(ctx)
		case <-control.Wait():
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) sendComplete(ctx context.Context) error {
	digest, err := s.store.Digest()
	if err != nil {
		s.logger.Warn("state digest unavailable", zap.Error(err))
		digest = ""
	}
	return s.send(ctx, wire.NewComplete(s.store.Vector(), digest))
}

func (s *Session) read(ctx context.Context, peer clock.ReplicaID, control *queue.Queue[wire.Frame], peerDone chan<- struct{}) error {
	var received, applied, dropped uint64
	done := false

	for {
		f, err := s.recv(ctx)
		var undecodable *wire.OpError
		if err != nil && !errors.As(err, &undecodable) {
			return err
		}

		switch f.Type {
		case wire.TypeOp:
			if done {
				return &Error{Code: ErrCodeProtocol, Peer: peer, Message: "op after done"}
			}
			received++
			s.opts.Metrics.RecordReceived()

			if undecodable != nil {
				dropped++
				s.opts.Metrics.RecordDrop("malformed")
				s.logger.Warn("dropping undecodable op",
					zap.Stringer("dot", undecodable.Dot),
					zap.Error(undecodable.Err))
			} else {
				outcome, skipped, err := s.apply(ctx, *f.Op)
				if err != nil {
					return err
				}
				switch {
				case skipped:
					dropped++
				case outcome != entity.OutcomeNoOp:
					applied++
				}
			}
			s.mu.Lock()
			s.result.Received, s.result.Applied, s.result.Dropped = received, applied, dropped
			s.mu.Unlock()

			if received%uint64(s.opts.AckEvery) == 0 {
				control.Enqueue(wire.NewAck(received))
			}

		case wire.TypeAck:
			s.logger.Debug("peer ack", zap.Uint64("received", f.Ack.Received))

		case wire.TypeDone:
			if done {
				return &Error{Code: ErrCodeProtocol, Peer: peer, Message: "duplicate done"}
			}
			if f.Done.Sent != received {
				return &Error{Code: ErrCodeProtocol, Peer: peer,
					Message: fmt.Sprintf("peer sent %d ops, received %d", f.Done.Sent, received)}
			}
			done = true
			if received%uint64(s.opts.AckEvery) != 0 {
				control.Enqueue(wire.NewAck(received))
			}
			close(peerDone)

		case wire.TypeComplete:
			if !done {
				return &Error{Code: ErrCodeProtocol, Peer: peer, Message: "complete before done"}
			}
			s.finish(ctx, peer, *f.Complete)
			return nil

		case wire.TypeError:
			return remoteError(peer, f.Error)

		default:
			return &Error{Code: ErrCodeProtocol, Peer: peer, Message: fmt.Sprintf("unexpected %s frame", f.Type)}
		}
	}
}

// apply integrates one received operation. Operations the store rejects
// individually are logged and skipped (dropped is true); a store that
// cannot accept any more fails the session.
func (s *Session) apply(ctx context.Context, o op.Operation) (outcome entity.Outcome, dropped bool, err error) {
	outcome, err = s.store.ApplyRemote(ctx, o)
	if err == nil {
		return outcome, false, nil
	}
	switch {
	case crdt.IsMalformedPayload(err), crdt.IsMissingDependency(err),
		entity.IsUnknownEntityType(err), entity.IsUnknownField(err), entity.IsInvalidChange(err):
		s.logger.Warn("dropping op",
			zap.Stringer("op", o),
			zap.Error(err))
		return entity.OutcomeNoOp, true, nil
	}
	if ctx.Err() != nil {
		return entity.OutcomeNoOp, false, ctx.Err()
	}
	return entity.OutcomeNoOp, false, &Error{Code: ErrCodeStore, Message: fmt.Sprintf("apply %s", o.Dot()), Err: err}
}

// finish records the peer's final vector and compares states.
func (s *Session) finish(ctx context.Context, peer clock.ReplicaID, c wire.Complete) {
	vector := c.Vector
	if vector == nil {
		vector = clock.VersionVector{}
	}

	local := s.store.Vector()
	converged := false
	if local.Equal(vector) {
		digest, err := s.store.Digest()
		if err == nil && c.Digest != "" {
			converged = digest == c.Digest
			if !converged {
				s.logger.Error("state diverged despite equal vectors",
					zap.String("local_digest", digest),
					zap.String("peer_digest", c.Digest))
			}
		}
	}

	s.mu.Lock()
	s.result.PeerVector = vector
	s.result.Converged = converged
	s.mu.Unlock()

	if s.opts.Tracker != nil {
		if err := s.opts.Tracker.RecordSync(ctx, peer, vector, time.Now()); err != nil {
			s.logger.Warn("recording peer vector failed", zap.Error(err))
		}
	}
}
