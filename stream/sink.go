package stream

// Sink is the minimal abstraction over the per-connection writer a stream
// drives. Writes are fire-and-forget from the manager's perspective; a
// failing sink does not abort the stream, it only surfaces in logs.
//
// Implementations must tolerate Write and Close being called after the
// peer has gone away.
type Sink interface {
	// WriteHeader sends the response framing exactly once, before any
	// event bytes. Transports without response headers may ignore it.
	WriteHeader(headers map[string]string)

	Write(p []byte) (int, error)

	// Close shuts the write side. Must be idempotent.
	Close() error
}

// SSEHeaders returns the response framing required before any event is
// written: event-stream content type, caching disabled end-to-end, the
// connection kept open, and intermediary response buffering disabled.
func SSEHeaders() map[string]string {
	return map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
}
