package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/types"
)

// recordSink captures everything a stream writes for inspection.
type recordSink struct {
	mu      sync.Mutex
	headers map[string]string
	writes  []string
	closes  int
	failing bool
}

func (s *recordSink) WriteHeader(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = headers
}

func (s *recordSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, errors.New("sink gone")
	}
	s.writes = append(s.writes, string(p))
	return len(p), nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordSink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.writes, "")
}

func (s *recordSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordSink) countOccurrences(sub string) int {
	return strings.Count(s.output(), sub)
}

// testConfig keeps every timer out of the way unless a test opts in.
func testConfig() Config {
	return Config{
		MaxConcurrentStreams: 8,
		MaxStreamDuration:    time.Hour,
		SweepInterval:        time.Hour,
		MetricsInterval:      time.Hour,
		Buffer: BufferConfig{
			MaxBytes:      1 << 30,
			MaxAge:        time.Hour,
			FlushInterval: time.Hour,
			MaxFragments:  1 << 20,
		},
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, zap.NewNop())
	t.Cleanup(m.Shutdown)
	return m
}

// --- admission ---

func TestManager_CreateStream_WritesSSEHeaders(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}

	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, "text/event-stream", sink.headers["Content-Type"])
	assert.Equal(t, "no-cache", sink.headers["Cache-Control"])
	assert.Equal(t, "keep-alive", sink.headers["Connection"])
	assert.Equal(t, "no", sink.headers["X-Accel-Buffering"])
}

func TestManager_AdmissionCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 3
	m := newTestManager(t, cfg)

	for i := 1; i <= 3; i++ {
		_, err := m.CreateStream(fmt.Sprintf("s%d", i), &recordSink{})
		require.NoError(t, err)
	}

	over := &recordSink{}
	h, err := m.CreateStream("s4", over)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, types.IsErrorCode(err, types.ErrCapacityExceeded))
	assert.True(t, types.IsRetryable(err))

	// Rejection before any side effect: no headers, no writes, no entry.
	assert.Nil(t, over.headers)
	assert.Zero(t, over.writeCount())
	assert.Equal(t, 3, m.ActiveStreams())
}

func TestManager_DuplicateStreamID(t *testing.T) {
	m := newTestManager(t, testConfig())

	_, err := m.CreateStream("dup", &recordSink{})
	require.NoError(t, err)

	_, err = m.CreateStream("dup", &recordSink{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStreamExists))
	assert.Equal(t, 1, m.ActiveStreams())
}

// --- chunk path and stats ---

func TestHandle_OnChunk_UpdatesStats(t *testing.T) {
	m := newTestManager(t, testConfig())
	h, err := m.CreateStream("s1", &recordSink{})
	require.NoError(t, err)

	h.OnChunk("hello")
	h.OnChunk("wor")

	stats := h.Stats()
	assert.Equal(t, int64(2), stats.TotalChunks)
	assert.Equal(t, int64(8), stats.TotalSize)
	assert.InDelta(t, 4.0, stats.AverageChunkSize, 0.001)
	assert.InDelta(t, float64(stats.TotalSize),
		stats.AverageChunkSize*float64(stats.TotalChunks), 0.5)
}

func TestHandle_OnChunk_BuffersUntilFlush(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("a")
	h.OnChunk("b")
	assert.Zero(t, sink.writeCount(), "chunks must coalesce, not write through")

	h.End()
	out := sink.output()
	assert.Contains(t, out, `data: "a"`)
	assert.Contains(t, out, `data: "b"`)
	assert.Less(t, strings.Index(out, `data: "a"`), strings.Index(out, `data: "b"`))
}

// --- critical event ordering ---

func TestHandle_CriticalEventFlushOrdering(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("one")
	h.OnChunk("two")
	h.OnChunk("three")
	h.OnEvent(types.EventComplete, map[string]string{"finish": "stop"})

	out := sink.output()
	chunkIdx := strings.Index(out, `data: "three"`)
	completeIdx := strings.Index(out, "event: complete")
	endIdx := strings.Index(out, "event: end")

	require.GreaterOrEqual(t, chunkIdx, 0)
	require.GreaterOrEqual(t, completeIdx, 0)
	require.GreaterOrEqual(t, endIdx, 0)
	assert.Less(t, chunkIdx, completeIdx, "buffered chunks must precede the complete event")
	assert.Less(t, completeIdx, endIdx, "complete event must precede the end event")
	assert.Zero(t, m.ActiveStreams())
}

func TestHandle_NamedEvent_NonCriticalIsBuffered(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnEvent(types.EventType("progress"), map[string]int{"pct": 40})
	assert.Zero(t, sink.writeCount(), "non-critical named events coalesce like chunks")

	h.OnEvent(types.EventChatID, "chat-123")
	out := sink.output()
	assert.Less(t, strings.Index(out, "event: progress"), strings.Index(out, "event: chatId"),
		"the critical event must not overtake earlier buffered events")
	assert.Equal(t, 1, m.ActiveStreams(), "chatId does not terminate the stream")
}

// --- status path ---

func TestHandle_OnStatus_BypassesBufferWithoutPreflush(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("pending")
	h.OnStatus(types.StatusUpdate{Type: types.EventStatus, Message: "thinking"})

	// Status is metadata: it goes out at once and the chunk stays queued.
	out := sink.output()
	assert.Contains(t, out, "event: status")
	assert.NotContains(t, out, `data: "pending"`)
	assert.Equal(t, 1, m.ActiveStreams())
}

func TestHandle_OnStatus_TerminalDrainsAndEnds(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("tail")
	h.OnStatus(types.StatusUpdate{Type: types.EventComplete})

	out := sink.output()
	assert.Contains(t, out, `data: "tail"`)
	assert.Contains(t, out, "event: end")
	assert.Zero(t, m.ActiveStreams())
}

// --- error and completion ---

func TestHandle_OnError_NotifiesThenTerminates(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("partial")
	h.OnError(errors.New("provider blew up"))

	out := sink.output()
	partialIdx := strings.Index(out, `data: "partial"`)
	errorIdx := strings.Index(out, "event: error")
	require.GreaterOrEqual(t, errorIdx, 0)
	assert.Less(t, partialIdx, errorIdx, "buffered data must be flushed before the error event")
	assert.Contains(t, out, "STREAM_ERROR")
	assert.Contains(t, out, "provider blew up")
	assert.Contains(t, out, "event: end")
	assert.Zero(t, m.ActiveStreams())

	metrics := m.Metrics()
	assert.Greater(t, metrics.ErrorRate, 0.0)
}

func TestHandle_OnComplete_CarriesFinalStats(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("0123456789")
	h.OnComplete()

	out := sink.output()
	assert.Contains(t, out, "event: complete")
	assert.Contains(t, out, `"total_chunks":1`)
	assert.Contains(t, out, `"total_size":10`)
	assert.Contains(t, out, "event: end")
	assert.Equal(t, 1, sink.closes)
	assert.Zero(t, m.ActiveStreams())
}

// --- idempotent termination ---

func TestHandle_End_Idempotent(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnComplete()
	h.End()
	h.End()

	assert.Equal(t, 1, sink.countOccurrences("event: end"), "end event written exactly once")
	assert.Equal(t, 1, sink.closes)
	assert.Zero(t, m.ActiveStreams())

	metrics := m.Metrics()
	assert.Equal(t, int64(0), metrics.ActiveStreams, "active counter never double-decremented")
	assert.Equal(t, int64(1), metrics.TotalStreams)
}

func TestHandle_EventsAfterEndAreNoops(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.End()
	writesAfterEnd := sink.writeCount()

	h.OnChunk("late")
	h.OnStatus(types.StatusUpdate{Type: types.EventStatus})
	h.OnEvent(types.EventInteractive, nil)
	h.OnError(errors.New("late"))
	h.OnComplete()

	assert.Equal(t, writesAfterEnd, sink.writeCount())
}

// --- expiry ---

func TestManager_ExpiryTimerForceEnds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStreamDuration = 40 * time.Millisecond
	m := newTestManager(t, cfg)
	sink := &recordSink{}

	_, err := m.CreateStream("idle", sink)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.ActiveStreams() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.countOccurrences("event: end"))
	assert.Zero(t, sink.countOccurrences("event: error"), "timeout is silent, not an error")
	assert.Equal(t, 1, sink.closes)
}

func TestManager_SweepExpiresIdleStreams(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStreamDuration = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	m := newTestManager(t, cfg)
	sink := &recordSink{}

	_, err := m.CreateStream("idle", sink)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.ActiveStreams() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.countOccurrences("event: end"))
}

// --- abandon ---

func TestManager_AbandonDiscardsBufferedData(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("never delivered")
	require.True(t, m.Abandon("s1"))

	out := sink.output()
	assert.NotContains(t, out, "never delivered")
	assert.Contains(t, out, "event: end")
	assert.Equal(t, 1, sink.closes)
	assert.Zero(t, m.ActiveStreams())

	assert.False(t, m.Abandon("s1"), "second abandon finds nothing")
}

// --- cancellation and shutdown ---

func TestManager_EndStream(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("flushed on cancel")
	require.True(t, m.EndStream("s1"))

	assert.Contains(t, sink.output(), "flushed on cancel")
	assert.Contains(t, sink.output(), "event: end")
	assert.False(t, m.EndStream("s1"))
	assert.False(t, m.EndStream("missing"))
}

func TestManager_ShutdownEndsAllStreams(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	sinks := make([]*recordSink, 3)
	for i := range sinks {
		sinks[i] = &recordSink{}
		_, err := m.CreateStream(fmt.Sprintf("s%d", i), sinks[i])
		require.NoError(t, err)
	}

	m.Shutdown()
	m.Shutdown() // idempotent

	assert.Zero(t, m.ActiveStreams())
	for _, sink := range sinks {
		assert.Equal(t, 1, sink.countOccurrences("event: end"))
		assert.Equal(t, 1, sink.closes)
	}

	_, err := m.CreateStream("after", &recordSink{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStreamClosed))
}

// --- failure containment ---

type panickySink struct {
	recordSink
	panics int
}

func (s *panickySink) Write(p []byte) (int, error) {
	if s.panics > 0 {
		s.panics--
		panic("sink exploded")
	}
	return s.recordSink.Write(p)
}

func TestHandle_PanicInsideHandlerIsContained(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &panickySink{panics: 1}
	h, err := m.CreateStream("s1", &sink.recordSink)
	require.NoError(t, err)
	h.sc.sink = sink // swap in the faulty writer after header setup

	// The first immediate write panics; the stream must keep processing.
	h.OnStatus(types.StatusUpdate{Type: types.EventStatus, Message: "boom"})
	assert.Equal(t, 1, m.ActiveStreams())

	h.OnStatus(types.StatusUpdate{Type: types.EventStatus, Message: "recovered"})
	assert.Contains(t, sink.output(), "recovered")
	assert.Equal(t, 1, m.ActiveStreams())
}

func TestManager_FailingSinkDoesNotAbortStream(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink := &recordSink{failing: true}
	h, err := m.CreateStream("s1", sink)
	require.NoError(t, err)

	h.OnChunk("lost")
	h.OnStatus(types.StatusUpdate{Type: types.EventStatus})
	assert.Equal(t, 1, m.ActiveStreams(), "write errors are fire-and-forget")

	h.OnComplete()
	assert.Zero(t, m.ActiveStreams())
}

// --- isolation ---

func TestManager_StreamsAreIndependent(t *testing.T) {
	m := newTestManager(t, testConfig())
	sink1 := &recordSink{}
	sink2 := &recordSink{}
	h1, err := m.CreateStream("s1", sink1)
	require.NoError(t, err)
	h2, err := m.CreateStream("s2", sink2)
	require.NoError(t, err)

	h1.OnChunk("for one")
	h1.OnError(errors.New("one fails"))

	// Stream two is untouched by stream one's failure.
	assert.Equal(t, 1, m.ActiveStreams())
	h2.OnChunk("for two")
	h2.OnComplete()

	assert.NotContains(t, sink2.output(), "for one")
	assert.Contains(t, sink2.output(), "for two")
	assert.Zero(t, m.ActiveStreams())
}

func TestManager_StreamsAndStreamStats(t *testing.T) {
	m := newTestManager(t, testConfig())
	h, err := m.CreateStream("visible", &recordSink{})
	require.NoError(t, err)
	h.OnChunk("abc")

	infos := m.Streams()
	require.Len(t, infos, 1)
	assert.Equal(t, "visible", infos[0].ID)
	assert.Equal(t, int64(1), infos[0].Stats.TotalChunks)

	stats, ok := m.StreamStats("visible")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.TotalSize)

	_, ok = m.StreamStats("missing")
	assert.False(t, ok)
}

func TestManager_OnStreamEndHook(t *testing.T) {
	var (
		mu        sync.Mutex
		gotID     string
		gotReason string
		gotStats  Stats
		calls     int
	)
	m := NewManager(testConfig(), zap.NewNop(), WithOnStreamEnd(func(id, reason string, stats Stats) {
		mu.Lock()
		defer mu.Unlock()
		gotID, gotReason, gotStats, calls = id, reason, stats, calls+1
	}))
	t.Cleanup(m.Shutdown)

	h, err := m.CreateStream("hooked", &recordSink{})
	require.NoError(t, err)
	h.OnChunk("xx")
	h.OnComplete()
	h.End()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "hook fires once per stream")
	assert.Equal(t, "hooked", gotID)
	assert.Equal(t, EndReasonCompleted, gotReason)
	assert.Equal(t, int64(2), gotStats.TotalSize)
	assert.False(t, gotStats.EndTime.IsZero())
}
