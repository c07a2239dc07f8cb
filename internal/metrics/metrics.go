// Package metrics provides Prometheus-compatible metrics for typestatd.
//
// Features:
//   - Counters for keystrokes, compositions, stats requests
//   - Gauges for pending tasks and orchestrator health
//   - Histograms for compute round trips
//   - HTTP endpoint for scraping
//   - Thread-safe operations
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents constant metric labels.
type Labels map[string]string

// String renders labels in Prometheus syntax with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.join() + "}"
}

func (l Labels) join() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabel(l[k])))
	}
	return strings.Join(parts, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

// Metric is implemented by every registered metric.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
}

type desc struct {
	name   string
	help   string
	labels Labels
}

func (d desc) Name() string { return d.name }
func (d desc) Help() string { return d.help }

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Type returns the metric type.
func (c *Counter) Type() MetricType {
	return TypeCounter
}

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType {
	return TypeGauge
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// Histogram tracks the distribution of values. counts[i] holds the
// observations that fell into bucket i alone; the last slot is +Inf.
type Histogram struct {
	desc
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// First bucket whose upper bound is >= v.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType {
	return TypeHistogram
}

// HistogramSnapshot is a consistent view of a histogram. Cumulative has one
// entry per bucket plus a final +Inf entry.
type HistogramSnapshot struct {
	Buckets    []float64 `json:"buckets"`
	Cumulative []uint64  `json:"cumulative"`
	Sum        float64   `json:"sum"`
	Count      uint64    `json:"count"`
}

// Mean returns the mean of observed values.
func (s HistogramSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot copies the histogram state.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		cum[i] = running
	}
	return HistogramSnapshot{
		Buckets:    append([]float64(nil), h.buckets...),
		Cumulative: cum,
		Sum:        h.sum,
		Count:      h.count,
	}
}

// Registry holds all registered metrics.
type Registry struct {
	mu        sync.RWMutex
	metrics   map[string]Metric
	namespace string
}

// NewRegistry creates a Registry whose metric names are prefixed with
// namespace and an underscore.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		metrics:   make(map[string]Metric),
		namespace: namespace,
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register returns the metric already registered under name when its type
// matches, otherwise stores m.
func register[M Metric](r *Registry, name string, m M) M {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.metrics[name]; ok {
		if typed, ok := existing.(M); ok {
			return typed
		}
		panic(fmt.Sprintf("metrics: %s already registered as %s", name, existing.Type()))
	}
	r.metrics[name] = m
	return m
}

// RegisterCounter registers a new counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	full := r.fullName(name)
	return register(r, full, &Counter{desc: desc{full, help, labels}})
}

// RegisterGauge registers a new gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	full := r.fullName(name)
	return register(r, full, &Gauge{desc: desc{full, help, labels}})
}

// RegisterHistogram registers a new histogram. Nil buckets select
// DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	full := r.fullName(name)
	return register(r, full, &Histogram{
		desc:    desc{full, help, labels},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	})
}

// Get returns the metric registered under the unprefixed name, or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[r.fullName(name)]
}

func (r *Registry) sorted() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WritePrometheus writes metrics in Prometheus text format, sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var b strings.Builder
	for _, m := range r.sorted() {
		fmt.Fprintf(&b, "# HELP %s %s\n", m.Name(), m.Help())
		fmt.Fprintf(&b, "# TYPE %s %s\n", m.Name(), m.Type())

		switch m := m.(type) {
		case *Counter:
			fmt.Fprintf(&b, "%s%s %d\n", m.name, m.labels.String(), m.Value())
		case *Gauge:
			fmt.Fprintf(&b, "%s%s %d\n", m.name, m.labels.String(), m.Value())
		case *Histogram:
			writeHistogram(&b, m)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, h *Histogram) {
	s := h.Snapshot()
	prefix := "{"
	if len(h.labels) > 0 {
		prefix = "{" + h.labels.join() + ","
	}
	for i, bound := range s.Buckets {
		fmt.Fprintf(b, "%s_bucket%sle=\"%g\"} %d\n", h.name, prefix, bound, s.Cumulative[i])
	}
	fmt.Fprintf(b, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, s.Count)
	fmt.Fprintf(b, "%s_sum%s %g\n", h.name, h.labels.String(), s.Sum)
	fmt.Fprintf(b, "%s_count%s %d\n", h.name, h.labels.String(), s.Count)
}

// Snapshot returns current values keyed by full metric name. Histograms
// contribute _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	snapshot := make(map[string]any)
	for _, m := range r.sorted() {
		switch m := m.(type) {
		case *Counter:
			snapshot[m.name] = m.Value()
		case *Gauge:
			snapshot[m.name] = m.Value()
		case *Histogram:
			s := m.Snapshot()
			snapshot[m.name+"_sum"] = s.Sum
			snapshot[m.name+"_count"] = s.Count
			snapshot[m.name+"_mean"] = s.Mean()
		}
	}
	return snapshot
}

// WriteJSON writes Snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// HTTPHandler serves Prometheus text, or JSON when the client accepts it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
