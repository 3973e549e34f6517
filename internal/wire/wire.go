// Package wire defines the sync protocol messages and their encoding.
//
// Every message is one JSON-encoded Frame. On byte-stream transports frames
// are length-prefixed (see WriteFrame); message-oriented transports carry
// one frame per message.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
)

// Protocol versions this build speaks.
const (
	ProtocolMin = 1
	ProtocolMax = 1
)

// Type discriminates frames.
type Type string

const (
	TypeHello    Type = "hello"
	TypeOp       Type = "op"
	TypeAck      Type = "ack"
	TypeDone     Type = "done"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Hello opens a session: protocol range, identity and full vector.
type Hello struct {
	MinProtocol int                 `json:"min_protocol"`
	MaxProtocol int                 `json:"max_protocol"`
	Replica     clock.ReplicaID     `json:"replica"`
	Vector      clock.VersionVector `json:"vector"`
	Session     string              `json:"session,omitempty"`
}

// Ack reports how many operations the sender has received so far.
type Ack struct {
	Received uint64 `json:"received"`
}

// Done reports that the sender's whole delta has been streamed.
type Done struct {
	Sent uint64 `json:"sent"`
}

// Complete reports full receipt of the peer's delta and carries the
// sender's resulting vector and state digest.
type Complete struct {
	Vector clock.VersionVector `json:"vector"`
	Digest string              `json:"digest,omitempty"`
}

// ErrorBody tells the peer why the session is being abandoned.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is one protocol message. Exactly one body matching Type is set.
type Frame struct {
	Type     Type          `json:"type"`
	Hello    *Hello        `json:"hello,omitempty"`
	Op       *op.Operation `json:"op,omitempty"`
	Ack      *Ack          `json:"ack,omitempty"`
	Done     *Done         `json:"done,omitempty"`
	Complete *Complete     `json:"complete,omitempty"`
	Error    *ErrorBody    `json:"error,omitempty"`
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// OpError reports an op frame whose operation could not be decoded, such
// as a payload value that is a float or null. The frame is otherwise well
// formed, so only this operation is lost. Dot is best effort and may be
// zero when the envelope itself is unreadable.
type OpError struct {
	Dot clock.Dot
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("undecodable op %s: %v", e.Dot, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// frameJSON defers decoding the op body until the frame is known to be
// well formed.
type frameJSON struct {
	Type     Type            `json:"type"`
	Hello    *Hello          `json:"hello,omitempty"`
	Op       json.RawMessage `json:"op,omitempty"`
	Ack      *Ack            `json:"ack,omitempty"`
	Done     *Done           `json:"done,omitempty"`
	Complete *Complete       `json:"complete,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// Decode parses and validates a frame. A well-formed op frame whose
// operation does not decode returns the frame, with Op holding only the
// dot, and an *OpError.
func Decode(data []byte) (Frame, error) {
	var raw frameJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f := Frame{
		Type:     raw.Type,
		Hello:    raw.Hello,
		Ack:      raw.Ack,
		Done:     raw.Done,
		Complete: raw.Complete,
		Error:    raw.Error,
	}

	var opErr *OpError
	if len(raw.Op) > 0 && !bytes.Equal(raw.Op, []byte("null")) {
		var o op.Operation
		if err := json.Unmarshal(raw.Op, &o); err != nil {
			var env struct {
				Replica clock.ReplicaID `json:"replica"`
				Counter uint64          `json:"counter"`
			}
			_ = json.Unmarshal(raw.Op, &env)
			o = op.Operation{Replica: env.Replica, Counter: env.Counter}
			opErr = &OpError{Dot: o.Dot(), Err: err}
		}
		f.Op = &o
	}

	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	if opErr != nil {
		return f, opErr
	}
	return f, nil
}

func (f Frame) validate() error {
	bodies := 0
	for _, set := range []bool{f.Hello != nil, f.Op != nil, f.Ack != nil, f.Done != nil, f.Complete != nil, f.Error != nil} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("frame %q: expected exactly one body, got %d", f.Type, bodies)
	}

	var ok bool
	switch f.Type {
	case TypeHello:
		ok = f.Hello != nil
	case TypeOp:
		ok = f.Op != nil
	case TypeAck:
		ok = f.Ack != nil
	case TypeDone:
		ok = f.Done != nil
	case TypeComplete:
		ok = f.Complete != nil
	case TypeError:
		ok = f.Error != nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if !ok {
		return fmt.Errorf("frame %q: body does not match type", f.Type)
	}
	return nil
}

// NewHello builds a hello for this build's protocol range.
func NewHello(replica clock.ReplicaID, vector clock.VersionVector, session string) Frame {
	return Frame{Type: TypeHello, Hello: &Hello{
		MinProtocol: ProtocolMin,
		MaxProtocol: ProtocolMax,
		Replica:     replica,
		Vector:      vector,
		Session:     session,
	}}
}

// NewOp wraps an operation.
func NewOp(o op.Operation) Frame {
	return Frame{Type: TypeOp, Op: &o}
}

// NewAck acknowledges received operations.
func NewAck(received uint64) Frame {
	return Frame{Type: TypeAck, Ack: &Ack{Received: received}}
}

// NewDone marks the end of the outbound delta.
func NewDone(sent uint64) Frame {
	return Frame{Type: TypeDone, Done: &Done{Sent: sent}}
}

// NewComplete confirms full receipt.
func NewComplete(vector clock.VersionVector, digest string) Frame {
	return Frame{Type: TypeComplete, Complete: &Complete{Vector: vector, Digest: digest}}
}

// NewError reports a fatal session error to the peer.
func NewError(code, message string) Frame {
	return Frame{Type: TypeError, Error: &ErrorBody{Code: code, Message: message}}
}

// Negotiate picks the highest protocol version both sides speak.
func Negotiate(local, remote Hello) (int, error) {
	v := min(local.MaxProtocol, remote.MaxProtocol)
	if v < local.MinProtocol || v < remote.MinProtocol {
		return 0, fmt.Errorf("no common protocol: local [%d,%d], remote [%d,%d]",
			local.MinProtocol, local.MaxProtocol, remote.MinProtocol, remote.MaxProtocol)
	}
	return v, nil
}
