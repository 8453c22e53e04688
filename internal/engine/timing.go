package engine

import (
	"sync"
	"time"
)

// OpTimings is the rolling aggregate for one pipeline operation.
type OpTimings struct {
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
}

type opStats struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// Recorder keeps rolling count/sum/min/max per operation. The per-op lock
// split keeps contention between unrelated operations off the hot path.
type Recorder struct {
	mu  sync.RWMutex
	ops map[string]*opStats
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{ops: make(map[string]*opStats)}
}

// Observe records one duration for op.
func (r *Recorder) Observe(op string, d time.Duration) {
	r.mu.RLock()
	s, ok := r.ops[op]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if s, ok = r.ops[op]; !ok {
			s = &opStats{}
			r.ops[op] = s
		}
		r.mu.Unlock()
	}

	s.mu.Lock()
	s.count++
	s.sum += d
	if s.count == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.mu.Unlock()
}

// Snapshot returns the aggregates for every observed operation.
func (r *Recorder) Snapshot() map[string]OpTimings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OpTimings, len(r.ops))
	for op, s := range r.ops {
		s.mu.Lock()
		t := OpTimings{
			Count: s.count,
			MinMS: float64(s.min) / float64(time.Millisecond),
			MaxMS: float64(s.max) / float64(time.Millisecond),
		}
		if s.count > 0 {
			t.AvgMS = float64(s.sum) / float64(s.count) / float64(time.Millisecond)
		}
		s.mu.Unlock()
		out[op] = t
	}
	return out
}
