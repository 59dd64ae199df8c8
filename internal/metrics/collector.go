package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/stream"
)

// =============================================================================
// 流指标收集器
// =============================================================================

// Collector 实现 stream.Collector，将流生命周期事件记录为 Prometheus 指标。
type Collector struct {
	streamsTotal    *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	chunksTotal     prometheus.Counter
	chunkBytesTotal prometheus.Counter
	chunkSize       prometheus.Histogram
	flushesTotal    prometheus.Counter
	flushBatchBytes prometheus.Histogram
	streamDuration  prometheus.Histogram
	errorsTotal     prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建收集器并将全部指标注册到 reg。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.streamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of streams, labelled by end reason",
		},
		[]string{"reason"},
	)

	c.activeStreams = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently active streams",
		},
	)

	c.chunksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Total number of chunks fed into stream buffers",
		},
	)

	c.chunkBytesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Total chunk payload bytes",
		},
	)

	c.chunkSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Chunk payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	c.flushesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of buffer flushes",
		},
	)

	c.flushBatchBytes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_batch_bytes",
			Help:      "Size of flushed batches in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	c.streamDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Stream lifetime in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
	)

	c.errorsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of upstream errors surfaced to clients",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// stream.Collector 实现
// =============================================================================

// StreamStarted 记录一条新流的准入。
func (c *Collector) StreamStarted() {
	c.activeStreams.Inc()
}

// StreamEnded 记录一条流的终止与最终统计。
func (c *Collector) StreamEnded(reason string, stats stream.Stats) {
	c.activeStreams.Dec()
	c.streamsTotal.WithLabelValues(reason).Inc()
	c.streamDuration.Observe(stats.Duration().Seconds())
}

// ChunkObserved 记录一个进入缓冲的块。
func (c *Collector) ChunkObserved(size int) {
	c.chunksTotal.Inc()
	c.chunkBytesTotal.Add(float64(size))
	c.chunkSize.Observe(float64(size))
}

// FlushObserved 记录一次缓冲冲刷。
func (c *Collector) FlushObserved(batchBytes int) {
	c.flushesTotal.Inc()
	c.flushBatchBytes.Observe(float64(batchBytes))
}

// ErrorObserved 记录一次上游错误。
func (c *Collector) ErrorObserved() {
	c.errorsTotal.Inc()
}
