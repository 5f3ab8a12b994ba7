package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Welford holds running statistics using Welford's online algorithm.
// Mean and variance are updated in O(1) without storing observations.
type Welford struct {
	Count int
	Mean  float64
	M2    float64
	Min   float64
	Max   float64
}

// Update adds one observation
func (w *Welford) Update(v float64) {
	if w.Count == 0 || v < w.Min {
		w.Min = v
	}
	if w.Count == 0 || v > w.Max {
		w.Max = v
	}
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// StdDev returns the population standard deviation, 0 below two observations
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// Summary is the exported view of one tracked operation
type Summary struct {
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	Failures  int       `json:"failures"`
	MeanMs    float64   `json:"mean_ms"`
	StdDevMs  float64   `json:"stddev_ms"`
	MinMs     float64   `json:"min_ms"`
	MaxMs     float64   `json:"max_ms"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at"`
}

type tracked struct {
	latency   Welford
	failures  int
	lastError string
	lastAt    time.Time
}

// LatencyTracker records request latency per named operation. Failed
// requests count as failures and are kept out of the latency figures.
type LatencyTracker struct {
	mu   sync.Mutex
	byOp map[string]*tracked
}

// NewLatencyTracker creates an empty tracker
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{byOp: make(map[string]*tracked)}
}

// Observe records one request outcome
func (t *LatencyTracker) Observe(name string, d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byOp[name]
	if !ok {
		tr = &tracked{}
		t.byOp[name] = tr
	}
	tr.lastAt = time.Now()
	if err != nil {
		tr.failures++
		tr.lastError = err.Error()
		return
	}
	tr.latency.Update(float64(d) / float64(time.Millisecond))
}

// Summaries returns every tracked operation sorted by name
func (t *LatencyTracker) Summaries() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Summary, 0, len(t.byOp))
	for name, tr := range t.byOp {
		out = append(out, Summary{
			Name:      name,
			Count:     tr.latency.Count,
			Failures:  tr.failures,
			MeanMs:    tr.latency.Mean,
			StdDevMs:  tr.latency.StdDev(),
			MinMs:     tr.latency.Min,
			MaxMs:     tr.latency.Max,
			LastError: tr.lastError,
			LastAt:    tr.lastAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
