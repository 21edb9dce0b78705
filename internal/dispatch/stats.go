package dispatch

import (
	"sort"
	"sync"
	"time"
)

// lagSamples is the number of recent dequeue lags kept for percentiles.
const lagSamples = 256

// Stats is a point-in-time view of queue health.
type Stats struct {
	Depth    int
	Enqueued int64
	Dropped  int64
	Dequeued int64
	LagP95   time.Duration
}

// Counters accumulates queue statistics. Shared by queue implementations.
type Counters struct {
	mu       sync.Mutex
	depth    int
	enqueued int64
	dropped  int64
	dequeued int64
	lags     []time.Duration
	next     int
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{lags: make([]time.Duration, 0, lagSamples)}
}

// Enqueued records an accepted job and the resulting depth.
func (c *Counters) Enqueued(depth int) {
	c.mu.Lock()
	c.enqueued++
	c.depth = depth
	c.mu.Unlock()
}

// Dropped records a job rejected because the queue was full.
func (c *Counters) Dropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// Dequeued records a popped job, the resulting depth and how long it waited.
func (c *Counters) Dequeued(depth int, lag time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dequeued++
	c.depth = depth
	if lag < 0 {
		lag = 0
	}
	if len(c.lags) < lagSamples {
		c.lags = append(c.lags, lag)
		return
	}
	c.lags[c.next] = lag
	c.next = (c.next + 1) % lagSamples
}

// ObserveDepth records a depth measured out of band, e.g. from Redis LLEN.
func (c *Counters) ObserveDepth(depth int) {
	c.mu.Lock()
	c.depth = depth
	c.mu.Unlock()
}

// Snapshot copies the counters.
func (c *Counters) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Depth:    c.depth,
		Enqueued: c.enqueued,
		Dropped:  c.dropped,
		Dequeued: c.dequeued,
	}
	if n := len(c.lags); n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, c.lags)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := (n*95 + 99) / 100
		s.LagP95 = sorted[idx-1]
	}
	return s
}

// LoadLevel grades queue pressure.
type LoadLevel int

const (
	LoadNormal LoadLevel = iota
	LoadDegraded
	LoadCritical
)

func (l LoadLevel) String() string {
	switch l {
	case LoadDegraded:
		return "degraded"
	case LoadCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds configure load grading. Zero values disable a check.
type Thresholds struct {
	DepthWarn     int
	DepthCritical int
	LagWarn       time.Duration
	LagCritical   time.Duration
}

// Level grades s against t.
func (t Thresholds) Level(s Stats) LoadLevel {
	if (t.DepthCritical > 0 && s.Depth >= t.DepthCritical) || (t.LagCritical > 0 && s.LagP95 >= t.LagCritical) {
		return LoadCritical
	}
	if (t.DepthWarn > 0 && s.Depth >= t.DepthWarn) || (t.LagWarn > 0 && s.LagP95 >= t.LagWarn) {
		return LoadDegraded
	}
	return LoadNormal
}
