package stream

import (
	"runtime"
	"sync"
)

// defaultSmoothingFactor is the EMA weight given to each new sample.
const defaultSmoothingFactor = 0.1

// GlobalMetrics is a read-only snapshot of service-wide stream diagnostics.
// These numbers never gate admission or flush decisions; the hot path stays
// free of global-state contention.
type GlobalMetrics struct {
	TotalStreams      int64   `json:"total_streams"`
	ActiveStreams     int64   `json:"active_streams"`
	AverageLatency    float64 `json:"average_latency_ms"`
	AverageThroughput float64 `json:"average_throughput_kbps"`
	ErrorRate         float64 `json:"error_rate"`
	MemoryUsage       uint64  `json:"memory_usage_bytes"`
}

// Aggregator folds per-stream results into exponential moving averages of
// latency and throughput, plus an error rate that is nudged toward 1 on
// each error and decays toward 0 while no streams are active.
type Aggregator struct {
	mu        sync.Mutex
	smoothing float64

	totalStreams      int64
	activeStreams     int64
	averageLatency    float64 // milliseconds
	averageThroughput float64 // KB/s
	errorRate         float64
	memoryUsage       uint64
}

// NewAggregator creates an aggregator. Smoothing outside (0, 1) falls back
// to the default factor.
func NewAggregator(smoothing float64) *Aggregator {
	if smoothing <= 0 || smoothing >= 1 {
		smoothing = defaultSmoothingFactor
	}
	return &Aggregator{smoothing: smoothing}
}

// StreamStarted accounts for a newly admitted stream.
func (a *Aggregator) StreamStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalStreams++
	a.activeStreams++
}

// StreamEnded folds a finished stream's stats into the moving averages.
func (a *Aggregator) StreamEnded(stats Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeStreams > 0 {
		a.activeStreams--
	}

	latencyMs := float64(stats.Duration().Milliseconds())
	a.averageLatency = a.fold(a.averageLatency, latencyMs)
	a.averageThroughput = a.fold(a.averageThroughput, stats.Throughput)
}

// RecordError nudges the global error rate toward 1.
func (a *Aggregator) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorRate = a.errorRate*(1-a.smoothing) + a.smoothing
}

// Tick runs the periodic maintenance: error-rate decay while idle and a
// memory usage refresh.
func (a *Aggregator) Tick() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeStreams == 0 {
		a.errorRate *= 1 - a.smoothing
	}
	a.memoryUsage = ms.HeapAlloc
}

// Snapshot returns the current global metrics.
func (a *Aggregator) Snapshot() GlobalMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	return GlobalMetrics{
		TotalStreams:      a.totalStreams,
		ActiveStreams:     a.activeStreams,
		AverageLatency:    a.averageLatency,
		AverageThroughput: a.averageThroughput,
		ErrorRate:         a.errorRate,
		MemoryUsage:       a.memoryUsage,
	}
}

// fold applies the EMA update, bootstrapping from the first sample.
func (a *Aggregator) fold(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev*(1-a.smoothing) + sample*a.smoothing
}
