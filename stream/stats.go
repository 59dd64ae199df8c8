package stream

import "time"

// Stats tracks the monotonically-updated counters of one stream. Snapshots
// handed to callers are read-only copies; the live struct is owned by the
// stream's context and mutated under its lock.
//
// Invariant: AverageChunkSize * TotalChunks == TotalSize within rounding.
type Stats struct {
	TotalChunks      int64     `json:"total_chunks"`
	TotalSize        int64     `json:"total_size"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitzero"`
	AverageChunkSize float64   `json:"average_chunk_size"`
	Throughput       float64   `json:"throughput"` // KB/s
	ErrorCount       int64     `json:"error_count"`
}

func newStats(now time.Time) Stats {
	return Stats{StartTime: now}
}

// recordChunk folds one chunk into the counters and recomputes the derived
// fields.
func (s *Stats) recordChunk(size int, now time.Time) {
	s.TotalChunks++
	s.TotalSize += int64(size)
	s.AverageChunkSize = float64(s.TotalSize) / float64(s.TotalChunks)
	s.Throughput = s.throughputAt(now)
}

// finalize stamps the end time and recomputes the final derived values.
func (s *Stats) finalize(now time.Time) {
	s.EndTime = now
	if s.TotalChunks > 0 {
		s.AverageChunkSize = float64(s.TotalSize) / float64(s.TotalChunks)
	}
	s.Throughput = s.throughputAt(now)
}

func (s *Stats) throughputAt(now time.Time) float64 {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.TotalSize) / 1024 / elapsed
}

// Duration returns the stream's elapsed time: up to EndTime once finalized,
// up to now while live.
func (s Stats) Duration() time.Duration {
	if !s.EndTime.IsZero() {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}
