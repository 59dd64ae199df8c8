package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/stream"
	"github.com/BaSui01/tokenflow/types"
)

func TestWebSocketSink_ImplementsSink(t *testing.T) {
	var _ stream.Sink = (*WebSocketSink)(nil)
}

// wsEchoServer upgrades to WebSocket and collects every text message it
// receives into the returned channel.
func wsEchoServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	received := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func dialSink(t *testing.T, srv *httptest.Server) *WebSocketSink {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return NewWebSocketSink(ctx, conn, zap.NewNop())
}

func TestWebSocketSink_WriteDeliversFrames(t *testing.T) {
	srv, received := wsEchoServer(t)
	sink := dialSink(t, srv)
	defer sink.Close()

	frame := "event: chunk\ndata: \"token\"\n\n"
	n, err := sink.Write([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	select {
	case got := <-received:
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestWebSocketSink_WriteHeaderIsNoop(t *testing.T) {
	srv, received := wsEchoServer(t)
	sink := dialSink(t, srv)
	defer sink.Close()

	sink.WriteHeader(stream.SSEHeaders())

	select {
	case got := <-received:
		t.Fatalf("unexpected frame: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketSink_CloseIdempotent(t *testing.T) {
	srv, _ := wsEchoServer(t)
	sink := dialSink(t, srv)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	_, err := sink.Write([]byte("late"))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStreamClosed))
}
