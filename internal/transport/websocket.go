package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/wire"
)

// WebSocketPath is where Handler is mounted by convention.
const WebSocketPath = "/sync"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Replicas are not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket carries one frame per binary message.
type WebSocket struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(wire.DefaultMaxFrameSize)
	return &WebSocket{conn: conn}
}

// Send writes one frame as a binary message.
func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return withDeadline(ctx, w.conn.SetWriteDeadline, func() error {
		return w.conn.WriteMessage(websocket.BinaryMessage, frame)
	})
}

// Recv reads the next binary message. Control messages are handled by
// the library; text messages are accepted as frames too.
func (w *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	var frame []byte
	err := withDeadline(ctx, w.conn.SetReadDeadline, func() error {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return err
		}
		frame = data
		return nil
	})
	return frame, err
}

// RemoteAddr returns the peer's network address.
func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// Close sends a close message on a best-effort basis and closes the
// connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// DialWebSocket connects to a replica's websocket endpoint, e.g.
// "ws://host:7420/sync".
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// Handler upgrades requests and passes each connection to accept, which
// owns it from then on.
func Handler(accept func(Conn), logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed",
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			return
		}
		accept(NewWebSocket(conn))
	})
}
