package transport

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/types"
)

// WebSocketSink carries the same framed event records over a WebSocket
// connection, one text message per write. Writes are mutex-protected
// because WebSocket connections do not support concurrent writers.
type WebSocketSink struct {
	conn   *websocket.Conn
	ctx    context.Context
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewWebSocketSink adapts an accepted WebSocket connection. ctx bounds
// every write; it is normally the request context of the upgrade.
func NewWebSocketSink(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		conn:   conn,
		ctx:    ctx,
		logger: logger.With(zap.String("component", "ws_sink")),
	}
}

// WriteHeader is a no-op: WebSocket frames carry no response headers, the
// upgrade handshake already happened.
func (s *WebSocketSink) WriteHeader(map[string]string) {}

// Write sends one framed payload as a single text message.
func (s *WebSocketSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.NewError(types.ErrStreamClosed, "sink is closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close performs a normal closure handshake. Idempotent.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, "stream ended")
}
