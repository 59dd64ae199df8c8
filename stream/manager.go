package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/types"
)

// End reasons, used for logs and metric labels.
const (
	EndReasonCompleted = "completed"
	EndReasonError     = "error"
	EndReasonStatus    = "status"
	EndReasonCancelled = "cancelled"
	EndReasonExpired   = "expired"
	EndReasonAbandoned = "abandoned"
	EndReasonShutdown  = "shutdown"
)

// Config configures a Manager instance.
type Config struct {
	// MaxConcurrentStreams is the registry admission ceiling.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams" json:"max_concurrent_streams"`

	// MaxStreamDuration is the hard per-stream lifetime ceiling. Exceeding
	// it triggers forced termination regardless of completion.
	MaxStreamDuration time.Duration `yaml:"max_stream_duration" json:"max_stream_duration"`

	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// MetricsInterval is the cadence of the aggregator maintenance tick.
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`

	// Buffer holds the per-stream coalescing thresholds.
	Buffer BufferConfig `yaml:"buffer" json:"buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 1000,
		MaxStreamDuration:    30 * time.Minute,
		SweepInterval:        30 * time.Second,
		MetricsInterval:      10 * time.Second,
		Buffer:               DefaultBufferConfig(),
	}
}

// Collector receives stream lifecycle and flush observations. Implemented
// by internal/metrics; a nil collector disables recording.
type Collector interface {
	StreamStarted()
	StreamEnded(reason string, stats Stats)
	ChunkObserved(size int)
	FlushObserved(batchBytes int)
	ErrorObserved()
}

// Manager owns the registry of live streams: admission control, per-stream
// state, the expiry sweep, and orderly teardown. Multiple independent
// instances can coexist, each with its own configuration.
type Manager struct {
	config    Config
	logger    *zap.Logger
	agg       *Aggregator
	collector Collector
	onEnd     func(streamID, reason string, stats Stats)

	mu      sync.Mutex
	streams map[string]*streamContext
	closed  bool

	done chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCollector attaches a metrics collector.
func WithCollector(c Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// WithOnStreamEnd registers a hook invoked once per stream, after teardown,
// with the final stats snapshot. Runs on the terminating goroutine; keep it
// cheap or dispatch internally.
func WithOnStreamEnd(fn func(streamID, reason string, stats Stats)) Option {
	return func(m *Manager) { m.onEnd = fn }
}

// NewManager creates a manager and starts its background sweep. Call
// Shutdown to release it. Zero-valued config fields fall back to
// DefaultConfig.
func NewManager(config Config, logger *zap.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.MaxConcurrentStreams <= 0 {
		config.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if config.MaxStreamDuration <= 0 {
		config.MaxStreamDuration = def.MaxStreamDuration
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = def.MetricsInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:  config,
		logger:  logger.With(zap.String("component", "stream_manager")),
		agg:     NewAggregator(defaultSmoothingFactor),
		streams: make(map[string]*streamContext),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()

	return m
}

// streamContext is the per-stream state. Exactly one exists per live
// stream id; the manager's registry is the sole owner.
type streamContext struct {
	id     string
	sink   Sink
	buffer *Buffer

	mu           sync.Mutex
	stats        Stats
	lastActivity time.Time
	expiryTimer  *time.Timer
	ended        bool
}

// touchAlive refreshes the activity clock; reports false once the stream
// has ended.
func (sc *streamContext) touchAlive(now time.Time) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.ended {
		return false
	}
	sc.lastActivity = now
	return true
}

// CreateStream admits a new stream. It fails with CAPACITY_EXCEEDED before
// any state is created when the registry is at its ceiling, and with
// STREAM_EXISTS for a duplicate id. On success the SSE framing headers are
// written through the sink, the expiry timer is armed, and the returned
// Handle drives the stream.
//
// Handle methods for one stream are expected to be called sequentially, the
// way a producer loop naturally does; calls across streams are independent.
func (m *Manager) CreateStream(streamID string, sink Sink) (*Handle, error) {
	now := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrStreamClosed, "stream manager is shut down")
	}
	if _, exists := m.streams[streamID]; exists {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrStreamExists, "stream id already active")
	}
	if len(m.streams) >= m.config.MaxConcurrentStreams {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrCapacityExceeded, "concurrent stream limit reached").
			WithHTTPStatus(503).
			WithRetryable(true)
	}

	sc := &streamContext{
		id:           streamID,
		sink:         sink,
		stats:        newStats(now),
		lastActivity: now,
	}
	sc.buffer = NewBuffer(m.config.Buffer, func(batch []byte) {
		m.writeBatch(sc, batch)
	})
	m.streams[streamID] = sc
	m.mu.Unlock()

	sink.WriteHeader(SSEHeaders())

	sc.mu.Lock()
	if !sc.ended {
		sc.expiryTimer = time.AfterFunc(m.config.MaxStreamDuration, func() {
			m.expire(streamID)
		})
	}
	sc.mu.Unlock()

	m.agg.StreamStarted()
	if m.collector != nil {
		m.collector.StreamStarted()
	}
	m.logger.Debug("stream created", zap.String("stream_id", streamID))

	return &Handle{m: m, sc: sc}, nil
}

// writeBatch is the buffer's flush target: one sink write per flush.
// Timer-driven flushes run outside any handler guard, so sink panics are
// contained here.
func (m *Manager) writeBatch(sc *streamContext, batch []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sink write panic",
				zap.String("stream_id", sc.id),
				zap.Any("panic", r))
		}
	}()

	if m.collector != nil {
		m.collector.FlushObserved(len(batch))
	}
	if _, err := sc.sink.Write(batch); err != nil {
		m.logger.Warn("batch write failed",
			zap.String("stream_id", sc.id),
			zap.Int("batch_bytes", len(batch)),
			zap.Error(err))
	}
}

// EndStream force-ends one stream through the shared teardown path
// (administrative cancellation). Pending buffered data is flushed first.
func (m *Manager) EndStream(streamID string) bool {
	sc, ok := m.lookup(streamID)
	if !ok {
		return false
	}
	m.end(sc, EndReasonCancelled)
	return true
}

// Abandon force-ends one stream discarding buffered data instead of
// flushing it. Meant for client-disconnect cleanup where spending effort on
// a dead sink is pointless. This is an explicit policy, never inferred.
func (m *Manager) Abandon(streamID string) bool {
	sc, ok := m.lookup(streamID)
	if !ok {
		return false
	}
	sc.buffer.Destroy()
	m.end(sc, EndReasonAbandoned)
	return true
}

func (m *Manager) lookup(streamID string) (*streamContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.streams[streamID]
	return sc, ok
}

// end is the single teardown path shared by completion, error, status,
// expiry, abandonment, administrative cancellation and shutdown. Idempotent:
// a second call for the same stream is a no-op, so the active counter is
// never double-decremented and the end event is written exactly once.
func (m *Manager) end(sc *streamContext, reason string) {
	sc.mu.Lock()
	if sc.ended {
		sc.mu.Unlock()
		return
	}
	sc.ended = true
	if sc.expiryTimer != nil {
		sc.expiryTimer.Stop()
		sc.expiryTimer = nil
	}
	if sc.stats.EndTime.IsZero() {
		sc.stats.finalize(time.Now())
	}
	stats := sc.stats
	sc.mu.Unlock()

	sc.buffer.FlushAll()
	// Kill any timer a racing Add may have armed; the queue is drained.
	sc.buffer.Destroy()

	if _, err := sc.sink.Write(Encode(types.NewStreamEvent(types.EventEnd, nil))); err != nil {
		m.logger.Warn("end event write failed", zap.String("stream_id", sc.id), zap.Error(err))
	}
	if err := sc.sink.Close(); err != nil {
		m.logger.Warn("sink close failed", zap.String("stream_id", sc.id), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.streams, sc.id)
	m.mu.Unlock()

	m.agg.StreamEnded(stats)
	if m.collector != nil {
		m.collector.StreamEnded(reason, stats)
	}
	if m.onEnd != nil {
		m.onEnd(sc.id, reason, stats)
	}

	m.logger.Info("stream ended",
		zap.String("stream_id", sc.id),
		zap.String("reason", reason),
		zap.Int64("chunks", stats.TotalChunks),
		zap.Int64("bytes", stats.TotalSize),
		zap.Duration("duration", stats.Duration()))
}

// expire is the per-stream hard-ceiling timer target. Silent: the client
// sees a normal end event, not an error.
func (m *Manager) expire(streamID string) {
	sc, ok := m.lookup(streamID)
	if !ok {
		return
	}
	m.logger.Warn("stream exceeded max duration, force-ending",
		zap.String("stream_id", streamID),
		zap.Duration("max_duration", m.config.MaxStreamDuration))
	m.end(sc, EndReasonExpired)
}

// run drives the expiry sweep and the aggregator tick until Shutdown.
func (m *Manager) run() {
	sweep := time.NewTicker(m.config.SweepInterval)
	defer sweep.Stop()
	tick := time.NewTicker(m.config.MetricsInterval)
	defer tick.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-sweep.C:
			m.sweepExpired()
		case <-tick.C:
			m.agg.Tick()
		}
	}
}

// sweepExpired force-ends every stream idle past the duration ceiling, so
// no stream outlives it even absent a completion signal.
func (m *Manager) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*streamContext
	for _, sc := range m.streams {
		sc.mu.Lock()
		idle := now.Sub(sc.lastActivity)
		sc.mu.Unlock()
		if idle > m.config.MaxStreamDuration {
			expired = append(expired, sc)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	m.logger.Info("expiry sweep", zap.Int("expired", len(expired)))
	for _, sc := range expired {
		m.end(sc, EndReasonExpired)
	}
}

// Shutdown force-ends every active stream and stops the background sweep.
// Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	remaining := make([]*streamContext, 0, len(m.streams))
	for _, sc := range m.streams {
		remaining = append(remaining, sc)
	}
	m.mu.Unlock()

	close(m.done)
	for _, sc := range remaining {
		m.end(sc, EndReasonShutdown)
	}

	m.logger.Info("stream manager stopped", zap.Int("streams_ended", len(remaining)))
}

// ActiveStreams returns the current registry size.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Metrics returns the global diagnostics snapshot.
func (m *Manager) Metrics() GlobalMetrics {
	return m.agg.Snapshot()
}

// Info is a monitoring snapshot of one live stream.
type Info struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	Stats        Stats     `json:"stats"`
}

// Streams returns monitoring snapshots of all live streams.
func (m *Manager) Streams() []Info {
	m.mu.Lock()
	contexts := make([]*streamContext, 0, len(m.streams))
	for _, sc := range m.streams {
		contexts = append(contexts, sc)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(contexts))
	for _, sc := range contexts {
		sc.mu.Lock()
		infos = append(infos, Info{
			ID:           sc.id,
			StartTime:    sc.stats.StartTime,
			LastActivity: sc.lastActivity,
			Stats:        sc.stats,
		})
		sc.mu.Unlock()
	}
	return infos
}

// StreamStats returns the live stats snapshot of one stream.
func (m *Manager) StreamStats(streamID string) (Stats, bool) {
	sc, ok := m.lookup(streamID)
	if !ok {
		return Stats{}, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stats, true
}
