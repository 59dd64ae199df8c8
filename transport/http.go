package transport

import (
	"net/http"
	"sync"

	"github.com/BaSui01/tokenflow/types"
)

// HTTPSink adapts an http.ResponseWriter into a stream sink. Every write is
// followed by a flush so coalesced batches leave the process immediately;
// the batching decision belongs to the stream buffer, not to net/http.
type HTTPSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu          sync.Mutex
	headersSent bool
	closed      bool
}

// NewHTTPSink wraps w. It fails when the underlying writer cannot flush,
// since an event stream behind a fully buffered writer defeats its purpose.
func NewHTTPSink(w http.ResponseWriter) (*HTTPSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, types.NewError(types.ErrInternalError, "response writer does not support streaming")
	}
	return &HTTPSink{w: w, flusher: flusher}, nil
}

// WriteHeader sends the response framing once; later calls are no-ops.
func (s *HTTPSink) WriteHeader(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.headersSent || s.closed {
		return
	}
	for key, value := range headers {
		s.w.Header().Set(key, value)
	}
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.headersSent = true
}

// Write sends one framed payload and flushes it to the client.
func (s *HTTPSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.NewError(types.ErrStreamClosed, "sink is closed")
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	s.flusher.Flush()
	return n, nil
}

// Close marks the sink closed. The connection itself belongs to net/http
// and is released when the handler returns.
func (s *HTTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
