package stream

import (
	"sync"
	"time"
)

// BufferConfig configures the coalescing thresholds of a stream buffer.
type BufferConfig struct {
	// MaxBytes flushes as soon as the accumulated fragment bytes reach it.
	MaxBytes int `yaml:"max_bytes" json:"max_bytes"`

	// MaxAge flushes when the time since the last flush reaches it.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`

	// FlushInterval is the safety-net timer cadence: whenever data sits in
	// the queue and no timer is pending, one is armed for this interval.
	// Independent of MaxAge.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// MaxFragments flushes when this many fragments are queued.
	MaxFragments int `yaml:"max_fragments" json:"max_fragments"`
}

// DefaultBufferConfig returns the production defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxBytes:      16 << 10, // 16 KiB
		MaxAge:        100 * time.Millisecond,
		FlushInterval: 50 * time.Millisecond,
		MaxFragments:  10,
	}
}

// FlushFunc receives the concatenation of all queued fragments, in arrival
// order, as a single batch. It is invoked with the buffer's lock held and
// must not call back into the buffer.
type FlushFunc func(batch []byte)

// Buffer coalesces many small pre-formatted fragments into fewer, larger
// sink writes while bounding the added latency. A flush always drains the
// entire queue atomically; there is no partial flush.
type Buffer struct {
	config BufferConfig
	flush  FlushFunc

	mu        sync.Mutex
	queue     [][]byte
	size      int
	lastFlush time.Time
	timer     *time.Timer
	destroyed bool
}

// NewBuffer creates a buffer draining into flush. Zero-valued config fields
// fall back to DefaultBufferConfig.
func NewBuffer(config BufferConfig, flush FlushFunc) *Buffer {
	def := DefaultBufferConfig()
	if config.MaxBytes <= 0 {
		config.MaxBytes = def.MaxBytes
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.MaxFragments <= 0 {
		config.MaxFragments = def.MaxFragments
	}
	return &Buffer{
		config:    config,
		flush:     flush,
		lastFlush: time.Now(),
	}
}

// Add appends one fragment and flushes immediately if any threshold is hit
// (accumulated bytes, age since last flush, or fragment count). Otherwise a
// safety-net flush timer is armed unless one is already pending.
func (b *Buffer) Add(fragment []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.queue = append(b.queue, fragment)
	b.size += len(fragment)

	now := time.Now()
	if b.size >= b.config.MaxBytes ||
		now.Sub(b.lastFlush) >= b.config.MaxAge ||
		len(b.queue) >= b.config.MaxFragments {
		b.flushLocked(now)
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.config.FlushInterval, b.Flush)
	}
}

// Flush drains the entire queue into a single batched write. An empty queue
// is a no-op.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(time.Now())
}

// FlushAll drains any pending data at stream termination so nothing is
// silently dropped. Alias for Flush.
func (b *Buffer) FlushAll() {
	b.Flush()
}

// flushLocked snapshots and clears the queue, cancels the pending timer,
// and hands the concatenated batch to the flush callback. Caller holds mu.
func (b *Buffer) flushLocked(now time.Time) {
	if len(b.queue) == 0 {
		return
	}

	batch := make([]byte, 0, b.size)
	for _, fragment := range b.queue {
		batch = append(batch, fragment...)
	}

	b.queue = nil
	b.size = 0
	b.lastFlush = now
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	if b.flush != nil {
		b.flush(batch)
	}
}

// Destroy cancels the pending timer and discards queued data without
// flushing. Only for streams being forcefully abandoned rather than
// gracefully ended; further Add calls become no-ops.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	b.size = 0
	b.destroyed = true
}

// Pending returns the queued fragment count and accumulated bytes.
func (b *Buffer) Pending() (fragments, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), b.size
}
