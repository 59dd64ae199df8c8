package stream

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/types"
)

// Handle is the caller-facing surface of one live stream: the event-feeding
// entry points the upstream producer drives, plus the manual End escape
// hatch. All methods are no-ops once the stream has ended.
type Handle struct {
	m  *Manager
	sc *streamContext
}

// ID returns the stream id.
func (h *Handle) ID() string {
	return h.sc.id
}

// Stats returns the current stats snapshot.
func (h *Handle) Stats() Stats {
	h.sc.mu.Lock()
	defer h.sc.mu.Unlock()
	return h.sc.stats
}

// OnChunk feeds one incremental response fragment. The chunk is encoded and
// coalesced in the stream buffer; stats are updated inline.
func (h *Handle) OnChunk(text string) {
	h.guard(types.EventChunk, func() {
		now := time.Now()
		if !h.sc.touchAlive(now) {
			return
		}

		h.sc.mu.Lock()
		h.sc.stats.recordChunk(len(text), now)
		h.sc.mu.Unlock()

		if h.m.collector != nil {
			h.m.collector.ChunkObserved(len(text))
		}

		evt := types.NewStreamEvent(types.EventChunk, text)
		evt.Size = len(text)
		h.sc.buffer.Add(Encode(evt))
	})
}

// OnStatus writes a status update immediately, bypassing the buffer. Status
// updates are metadata, not response payload, so the buffer is deliberately
// not pre-flushed. A terminal status (complete or error) then drains the
// buffer and terminates the stream.
func (h *Handle) OnStatus(status types.StatusUpdate) {
	h.guard(types.EventStatus, func() {
		if !h.sc.touchAlive(time.Now()) {
			return
		}

		h.writeImmediate(types.NewStreamEvent(types.EventStatus, status))

		if status.Terminal() {
			h.sc.buffer.FlushAll()
			h.m.end(h.sc, EndReasonStatus)
		}
	})
}

// OnEvent feeds a named event. Critical names (interactive, chatId, error,
// complete) first force a flush of everything queued before them, then go
// straight to the sink, preserving order relative to buffered chunks. Any
// other name is encoded and coalesced like a chunk. Complete and error
// additionally terminate the stream.
func (h *Handle) OnEvent(name types.EventType, data any) {
	h.guard(name, func() {
		if !h.sc.touchAlive(time.Now()) {
			return
		}

		evt := types.NewStreamEvent(name, data)

		switch name.Delivery() {
		case types.DeliverImmediate:
			h.sc.buffer.Flush()
			h.writeImmediate(evt)
		case types.DeliverBuffered:
			h.sc.buffer.Add(Encode(evt))
		}

		if name == types.EventComplete || name == types.EventError {
			h.m.end(h.sc, EndReasonCompleted)
		}
	})
}

// OnError surfaces an upstream failure to the client as a critical error
// event, then terminates the stream. This is the first-class error path,
// not an exception: failures of the producer always land here.
func (h *Handle) OnError(err error) {
	h.guard(types.EventError, func() {
		if !h.sc.touchAlive(time.Now()) {
			return
		}

		h.sc.mu.Lock()
		h.sc.stats.ErrorCount++
		h.sc.mu.Unlock()

		h.m.agg.RecordError()
		if h.m.collector != nil {
			h.m.collector.ErrorObserved()
		}

		message := "stream error"
		if err != nil {
			message = err.Error()
		}
		payload := map[string]string{
			"code":    string(types.ErrStreamError),
			"message": message,
		}

		h.sc.buffer.Flush()
		h.writeImmediate(types.NewStreamEvent(types.EventError, payload))
		h.m.end(h.sc, EndReasonError)
	})
}

// OnComplete finalizes the stats, writes a critical complete event carrying
// the final snapshot, and terminates the stream.
func (h *Handle) OnComplete() {
	h.guard(types.EventComplete, func() {
		now := time.Now()
		if !h.sc.touchAlive(now) {
			return
		}

		h.sc.mu.Lock()
		h.sc.stats.finalize(now)
		snapshot := h.sc.stats
		h.sc.mu.Unlock()

		h.sc.buffer.Flush()
		h.writeImmediate(types.NewStreamEvent(types.EventComplete, snapshot))
		h.m.end(h.sc, EndReasonCompleted)
	})
}

// End terminates the stream through the shared teardown path: drain the
// buffer, write the end event, close the sink, cancel the expiry timer and
// release the registry slot. Safe to call more than once.
func (h *Handle) End() {
	h.m.end(h.sc, EndReasonCancelled)
}

// writeImmediate sends one encoded event straight to the sink.
func (h *Handle) writeImmediate(evt types.StreamEvent) {
	if _, err := h.sc.sink.Write(Encode(evt)); err != nil {
		h.m.logger.Warn("event write failed",
			zap.String("stream_id", h.sc.id),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err))
	}
}

// guard contains a panic inside one handler call to that call: it is logged
// with the stream id and event type, and the stream keeps processing
// subsequent events. Failures never propagate across streams.
func (h *Handle) guard(eventType types.EventType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.m.logger.Error("stream handler panic",
				zap.String("stream_id", h.sc.id),
				zap.String("event_type", string(eventType)),
				zap.Any("panic", r))
		}
	}()
	fn()
}
