package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBounds are cumulative bucket upper bounds in seconds, from
// in-process stubs up to a remote handler hitting the upstream timeout.
var latencyBounds = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

type HistogramBucket struct {
	Le    float64
	Count int64
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

// Histogram is one action's dispatch latency distribution.
type Histogram struct {
	name string

	mu         sync.Mutex
	cumulative []int64
	sum        float64
	count      int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, cumulative: make([]int64, len(latencyBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	first := sort.SearchFloat64s(latencyBounds, sec)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i := first; i < len(h.cumulative); i++ {
		h.cumulative[i]++
	}
}

// Percentile is the upper bound of the first bucket holding at least p of
// the observations; zero before anything is observed.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bucketBound(h.cumulative, h.count, p)
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: make([]HistogramBucket, len(latencyBounds)),
		Sum:     h.sum,
		Count:   h.count,
		P50:     bucketBound(h.cumulative, h.count, 0.50),
		P95:     bucketBound(h.cumulative, h.count, 0.95),
		P99:     bucketBound(h.cumulative, h.count, 0.99),
	}
	for i, le := range latencyBounds {
		snap.Buckets[i] = HistogramBucket{Le: le, Count: h.cumulative[i]}
	}
	return snap
}

func bucketBound(cumulative []int64, total int64, p float64) float64 {
	if total == 0 {
		return 0
	}
	target := int64(p * float64(total))
	for i, n := range cumulative {
		if n >= target {
			return latencyBounds[i]
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

// HistogramRegistry holds one Histogram per action id.
type HistogramRegistry struct {
	mu     sync.Mutex
	byName map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{byName: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byName[name]
	if !ok {
		h = NewHistogram(name)
		r.byName[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots are ordered by action id.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	hs := make([]*Histogram, 0, len(r.byName))
	for _, h := range r.byName {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i].name < hs[j].name })
	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}
