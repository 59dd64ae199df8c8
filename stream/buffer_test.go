package stream

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// collectFlushes records every batch handed to the flush callback.
type collectFlushes struct {
	mu      sync.Mutex
	batches [][]byte
}

func (c *collectFlushes) flush(batch []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
}

func (c *collectFlushes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *collectFlushes) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.batches, nil)
}

// wideOpen returns a config whose thresholds are far out of reach, so only
// explicit Flush calls drain the buffer.
func wideOpen() BufferConfig {
	return BufferConfig{
		MaxBytes:      1 << 30,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		MaxFragments:  1 << 20,
	}
}

func TestBuffer_FlushPreservesArrivalOrder(t *testing.T) {
	sink := &collectFlushes{}
	b := NewBuffer(wideOpen(), sink.flush)

	b.Add([]byte("alpha "))
	b.Add([]byte("beta "))
	b.Add([]byte("gamma"))

	fragments, size := b.Pending()
	assert.Equal(t, 3, fragments)
	assert.Equal(t, len("alpha beta gamma"), size)

	b.Flush()

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "alpha beta gamma", string(sink.batches[0]))

	fragments, size = b.Pending()
	assert.Zero(t, fragments)
	assert.Zero(t, size)
}

func TestBuffer_EmptyFlushIsNoop(t *testing.T) {
	sink := &collectFlushes{}
	b := NewBuffer(wideOpen(), sink.flush)

	b.Flush()
	b.FlushAll()

	assert.Zero(t, sink.count())
}

func TestBuffer_SizeTriggeredFlush(t *testing.T) {
	cfg := wideOpen()
	cfg.MaxBytes = 64
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	b.Add(make([]byte, 32))
	assert.Zero(t, sink.count(), "below threshold must not flush")

	b.Add(make([]byte, 32))
	require.Equal(t, 1, sink.count(), "reaching MaxBytes must flush immediately")
	assert.Len(t, sink.batches[0], 64)
}

func TestBuffer_CountTriggeredFlush(t *testing.T) {
	cfg := wideOpen()
	cfg.MaxFragments = 10
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	for i := 0; i < 9; i++ {
		b.Add([]byte{'x'})
	}
	assert.Zero(t, sink.count())

	b.Add([]byte{'x'})
	require.Equal(t, 1, sink.count(), "10th fragment must flush")
	assert.Len(t, sink.batches[0], 10)
}

func TestBuffer_TimeTriggeredFlush(t *testing.T) {
	cfg := wideOpen()
	cfg.FlushInterval = 20 * time.Millisecond
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	b.Add([]byte("lonely"))
	assert.Zero(t, sink.count())

	// Safety-net timer must drain the buffer exactly once, and no further
	// flush until new data arrives.
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * cfg.FlushInterval)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "lonely", string(sink.batches[0]))
}

func TestBuffer_AgeTriggeredFlush(t *testing.T) {
	cfg := wideOpen()
	cfg.MaxAge = 10 * time.Millisecond
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	b.Add([]byte("a"))
	time.Sleep(2 * cfg.MaxAge)

	// The next append finds the buffer older than MaxAge and flushes inline.
	b.Add([]byte("b"))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "ab", string(sink.batches[0]))
}

func TestBuffer_DestroyDiscardsWithoutFlushing(t *testing.T) {
	cfg := wideOpen()
	cfg.FlushInterval = 10 * time.Millisecond
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	b.Add([]byte("doomed"))
	b.Destroy()

	// The pending timer must be cancelled and the data dropped.
	time.Sleep(5 * cfg.FlushInterval)
	assert.Zero(t, sink.count())

	// Adds after Destroy are no-ops.
	b.Add([]byte("late"))
	fragments, _ := b.Pending()
	assert.Zero(t, fragments)
}

func TestBuffer_FlushCancelsPendingTimer(t *testing.T) {
	cfg := wideOpen()
	cfg.FlushInterval = 15 * time.Millisecond
	sink := &collectFlushes{}
	b := NewBuffer(cfg, sink.flush)

	b.Add([]byte("x"))
	b.Flush()
	require.Equal(t, 1, sink.count())

	// No second flush from the already-armed timer.
	time.Sleep(4 * cfg.FlushInterval)
	assert.Equal(t, 1, sink.count())
}

func TestBuffer_ZeroConfigFallsBackToDefaults(t *testing.T) {
	b := NewBuffer(BufferConfig{}, nil)
	def := DefaultBufferConfig()

	assert.Equal(t, def.MaxBytes, b.config.MaxBytes)
	assert.Equal(t, def.MaxAge, b.config.MaxAge)
	assert.Equal(t, def.FlushInterval, b.config.FlushInterval)
	assert.Equal(t, def.MaxFragments, b.config.MaxFragments)
}

// TestBuffer_ConcatenationProperty verifies byte-for-byte that, for any
// sequence of fragments and interleaved explicit flushes, the concatenation
// of all flushed batches equals the concatenation of all added fragments in
// arrival order.
func TestBuffer_ConcatenationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := BufferConfig{
			MaxBytes:      rapid.IntRange(1, 256).Draw(t, "maxBytes"),
			MaxAge:        time.Hour,
			FlushInterval: time.Hour,
			MaxFragments:  rapid.IntRange(1, 32).Draw(t, "maxFragments"),
		}
		sink := &collectFlushes{}
		b := NewBuffer(cfg, sink.flush)

		var want []byte
		steps := rapid.IntRange(0, 64).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "doFlush") {
				b.Flush()
				continue
			}
			fragment := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "fragment")
			want = append(want, fragment...)
			b.Add(fragment)
		}
		b.FlushAll()

		assert.Equal(t, want, sink.joined())
	})
}
