package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

const latencyWindow = 256

// Stats is a point-in-time view of a session's counters.
type Stats struct {
	Admitted      uint64  `json:"admitted"`
	ThrottleDrops uint64  `json:"throttleDrops"`
	BusyDrops     uint64  `json:"busyDrops"`
	Completed     uint64  `json:"completed"`
	Errors        uint64  `json:"errors"`
	LatencyMeanMs float64 `json:"latencyMeanMs"`
	LatencyP95Ms  float64 `json:"latencyP95Ms"`
}

type stats struct {
	admitted      atomic.Uint64
	throttleDrops atomic.Uint64
	busyDrops     atomic.Uint64
	completed     atomic.Uint64
	errors        atomic.Uint64

	mu        sync.Mutex
	latencies []float64 // milliseconds, ring of latencyWindow
	next      int
}

func (s *stats) record(latency time.Duration, failed bool) {
	if failed {
		s.errors.Add(1)
		return
	}
	s.completed.Add(1)

	ms := float64(latency) / float64(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, ms)
		return
	}
	s.latencies[s.next] = ms
	s.next = (s.next + 1) % latencyWindow
}

func (s *stats) snapshot() Stats {
	out := Stats{
		Admitted:      s.admitted.Load(),
		ThrottleDrops: s.throttleDrops.Load(),
		BusyDrops:     s.busyDrops.Load(),
		Completed:     s.completed.Load(),
		Errors:        s.errors.Load(),
	}

	s.mu.Lock()
	window := append([]float64(nil), s.latencies...)
	s.mu.Unlock()

	if len(window) == 0 {
		return out
	}
	sort.Float64s(window)
	out.LatencyMeanMs = stat.Mean(window, nil)
	out.LatencyP95Ms = stat.Quantile(0.95, stat.Empirical, window, nil)
	return out
}
