// Package metrics aggregates dispatch samples and HTTP endpoint stats in
// memory and renders them as JSON or Prometheus text.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

const (
	ActionsInvoked = "ActionsInvoked"
	ActionLatency  = "ActionLatency"

	UnitCount        = "Count"
	UnitMilliseconds = "Milliseconds"

	DimensionActionID = "actionId"
)

// Sample is one counter or gauge data point.
type Sample struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// Sink accepts published samples. Callers log and drop a returned error.
type Sink interface {
	Publish(ctx context.Context, samples []Sample) error
}

// Dispatch returns the invocation count and latency samples for one call.
func Dispatch(actionID string, latency time.Duration) []Sample {
	dims := map[string]string{DimensionActionID: actionID}
	return []Sample{
		{Name: ActionsInvoked, Value: 1, Unit: UnitCount, Dimensions: dims},
		{Name: ActionLatency, Value: float64(latency) / float64(time.Millisecond), Unit: UnitMilliseconds, Dimensions: dims},
	}
}

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	decision   map[string]int64
	samples    map[string]*SampleStat
	gauges     map[string]float64
	Histograms *HistogramRegistry
	now        func() time.Time
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// SampleStat folds every sample sharing a name and dimension set.
type SampleStat struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Count      int64             `json:"count"`
	Sum        float64           `json:"sum"`
	Max        float64           `json:"max"`
	Last       float64           `json:"last"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Decisions   map[string]int64        `json:"decisions"`
	Samples     []SampleStat            `json:"samples"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		samples:    map[string]*SampleStat{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
		now:        time.Now,
	}
}

// Publish records samples. Millisecond samples that carry an actionId also
// feed that action's latency histogram.
func (r *Registry) Publish(_ context.Context, samples []Sample) error {
	for _, s := range samples {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		key := sampleKey(s.Name, s.Dimensions)
		r.mu.Lock()
		stat, ok := r.samples[key]
		if !ok {
			stat = &SampleStat{Name: s.Name, Unit: s.Unit, Dimensions: copyDims(s.Dimensions)}
			r.samples[key] = stat
		}
		stat.Count++
		stat.Sum += s.Value
		stat.Last = s.Value
		if stat.Count == 1 || s.Value > stat.Max {
			stat.Max = s.Value
		}
		r.mu.Unlock()
		if s.Unit == UnitMilliseconds {
			if action := s.Dimensions[DimensionActionID]; action != "" {
				r.Histograms.ObserveDuration(action, time.Duration(s.Value*float64(time.Millisecond)))
			}
		}
	}
	return nil
}

func (r *Registry) ObserveEndpoint(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// Observe counts the outcome's policy decision.
func (r *Registry) Observe(_ context.Context, out models.Outcome) {
	r.IncDecision(out.Decision)
}

// IncDecision counts policy outcomes (ALLOW, APPROVAL_REQUIRED, DENY).
func (r *Registry) IncDecision(decision string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   make(map[string]int64, len(r.decision)),
		Samples:     make([]SampleStat, 0, len(r.samples)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for _, k := range SortedKeys(r.samples) {
		stat := *r.samples[k]
		stat.Dimensions = copyDims(stat.Dimensions)
		out.Samples = append(out.Samples, stat)
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP vmq_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE vmq_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vmq_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP vmq_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE vmq_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vmq_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP vmq_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE vmq_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vmq_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP vmq_decision_total policy decisions by outcome\n")
		b.WriteString("# TYPE vmq_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "vmq_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		for _, s := range snap.Samples {
			name := "vmq_" + snakeCase(s.Name)
			labels := promLabels(s.Dimensions)
			if s.Unit == UnitCount {
				fmt.Fprintf(b, "%s_total%s %g\n", name, labels, s.Sum)
				continue
			}
			fmt.Fprintf(b, "%s_sum%s %g\n", name, labels, s.Sum)
			fmt.Fprintf(b, "%s_count%s %d\n", name, labels, s.Count)
			fmt.Fprintf(b, "%s_max%s %g\n", name, labels, s.Max)
		}
		b.WriteString("# HELP vmq_gauge operational gauge metrics\n")
		b.WriteString("# TYPE vmq_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "vmq_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP vmq_action_latency_seconds dispatch latency histogram by action\n")
			b.WriteString("# TYPE vmq_action_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "vmq_action_latency_seconds_bucket{action=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "vmq_action_latency_seconds_bucket{action=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vmq_action_latency_seconds_sum{action=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "vmq_action_latency_seconds_count{action=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vmq_action_latency_p95_seconds{action=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware records per-endpoint request stats keyed by "METHOD path".
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := r.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.ObserveEndpoint(req.Method+" "+req.URL.Path, rec.status, r.now().Sub(start))
	})
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sampleKey(name string, dims map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range SortedKeys(dims) {
		b.WriteString("|" + k + "=" + dims[k])
	}
	return b.String()
}

func copyDims(dims map[string]string) map[string]string {
	if len(dims) == 0 {
		return nil
	}
	out := make(map[string]string, len(dims))
	for k, v := range dims {
		out[k] = v
	}
	return out
}

func promLabels(dims map[string]string) string {
	if len(dims) == 0 {
		return ""
	}
	parts := make([]string, 0, len(dims))
	for _, k := range SortedKeys(dims) {
		parts = append(parts, fmt.Sprintf("%s=%q", snakeCase(k), dims[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// snakeCase turns ActionLatency into action_latency.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
