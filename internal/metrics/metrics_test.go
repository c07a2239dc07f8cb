package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typestatd/internal/compute"
	"typestatd/internal/keystroke"
	"typestatd/internal/stats"
)

func TestRegistryReturnsExisting(t *testing.T) {
	r := NewRegistry("ns")
	c1 := r.RegisterCounter("hits_total", "hits", nil)
	c2 := r.RegisterCounter("hits_total", "hits", nil)
	assert.Same(t, c1, c2)
	assert.Equal(t, "ns_hits_total", c1.Name())
	assert.Same(t, c1, r.Get("hits_total"))
	assert.Nil(t, r.Get("missing"))
}

func TestRegistryTypeConflictPanics(t *testing.T) {
	r := NewRegistry("")
	r.RegisterCounter("x", "x", nil)
	assert.Panics(t, func() { r.RegisterGauge("x", "x", nil) })
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("latency", "latency", nil, []float64{1, 0.1, 0.5})

	for _, v := range []float64{0.05, 0.1, 0.3, 0.7, 2} {
		h.Observe(v)
	}

	s := h.Snapshot()
	assert.Equal(t, []float64{0.1, 0.5, 1}, s.Buckets)
	assert.Equal(t, []uint64{2, 3, 4, 5}, s.Cumulative)
	assert.Equal(t, uint64(5), s.Count)
	assert.InDelta(t, 3.15, s.Sum, 1e-9)
	assert.InDelta(t, 0.63, s.Mean(), 1e-9)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("typestatd")
	r.RegisterGauge("pending_tasks", "pending", nil).Set(3)
	r.RegisterCounter("a_total", "a", Labels{"kind": `say "hi"`}).Add(2)
	h := r.RegisterHistogram("rt_seconds", "rt", nil, []float64{0.5})
	h.Observe(0.25)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE typestatd_a_total counter\n")
	assert.Contains(t, out, `typestatd_a_total{kind="say \"hi\""} 2`)
	assert.Contains(t, out, "typestatd_pending_tasks 3\n")
	assert.Contains(t, out, `typestatd_rt_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `typestatd_rt_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "typestatd_rt_seconds_count 1\n")

	// Sorted by name.
	assert.Less(t, strings.Index(out, "typestatd_a_total"), strings.Index(out, "typestatd_pending_tasks"))
	assert.Less(t, strings.Index(out, "typestatd_pending_tasks"), strings.Index(out, "typestatd_rt_seconds"))
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("typestatd")
	r.RegisterCounter("keystrokes_total", "keys", nil).Add(7)

	tests := []struct {
		name        string
		accept      string
		contentType string
		check       func(t *testing.T, body []byte)
	}{
		{
			name:        "prometheus",
			contentType: "text/plain; version=0.0.4",
			check: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), "typestatd_keystrokes_total 7")
			},
		},
		{
			name:        "json",
			accept:      "application/json",
			contentType: "application/json",
			check: func(t *testing.T, body []byte) {
				var snap map[string]float64
				require.NoError(t, json.Unmarshal(body, &snap))
				assert.Equal(t, float64(7), snap["typestatd_keystrokes_total"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()
			r.HTTPHandler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			tt.check(t, rec.Body.Bytes())
		})
	}
}

func TestTypingMetricsKeys(t *testing.T) {
	m := NewTypingMetrics(nil)

	for _, c := range []keystroke.Class{
		keystroke.ClassPrintable, keystroke.ClassHangul, keystroke.ClassSpace,
		keystroke.ClassEnter, keystroke.ClassBackspace, keystroke.ClassSpecial,
	} {
		m.KeyProcessed(c)
	}
	m.EventDropped()
	m.CompositionCompleted()
	m.CompositionCompleted()

	assert.Equal(t, uint64(4), m.KeystrokesTotal.Value())
	assert.Equal(t, uint64(1), m.BackspacesTotal.Value())
	assert.Equal(t, uint64(1), m.SpecialKeysTotal.Value())
	assert.Equal(t, uint64(1), m.DroppedEventsTotal.Value())
	assert.Equal(t, uint64(2), m.CompositionsTotal.Value())
}

func TestTypingMetricsOrchestrator(t *testing.T) {
	m := NewTypingMetrics(nil)

	m.RoundTrip(20*time.Millisecond, nil)
	m.RoundTrip(time.Millisecond, errors.New("boom"))
	m.Timeout()
	m.FallbackComputed()
	m.PendingTasks(4)

	assert.Equal(t, uint64(1), m.StatsRequestsTotal.Value())
	assert.Equal(t, uint64(1), m.StatsErrorsTotal.Value())
	assert.Equal(t, uint64(1), m.RoundTripSeconds.Snapshot().Count)
	assert.Equal(t, uint64(1), m.UnitTimeoutsTotal.Value())
	assert.Equal(t, uint64(1), m.StatsFallbackTotal.Value())
	assert.Equal(t, int64(4), m.Pending.Value())
}

func TestTypingMetricsHealthTransitions(t *testing.T) {
	m := NewTypingMetrics(nil)

	m.HealthChanged(stats.Healthy)
	assert.Equal(t, uint64(0), m.HealthTransitionsTotal.Value())

	m.HealthChanged(stats.LowMemory)
	m.HealthChanged(stats.LowMemory)
	m.HealthChanged(stats.Fallback)

	assert.Equal(t, uint64(2), m.HealthTransitionsTotal.Value())
	assert.Equal(t, int64(stats.Fallback), m.HealthState.Value())
}

func TestObserveUnitStatus(t *testing.T) {
	m := NewTypingMetrics(nil)

	for _, n := range []uint64{2, 2, 5, 1} {
		m.ObserveUnitStatus(compute.StatusResult{AcceleratorErrors: n})
	}

	// 2, +0, +3, then a restarted unit reporting 1.
	assert.Equal(t, uint64(6), m.AcceleratorErrorsTotal.Value())
}

func TestTypingMetricsSatisfiesObservers(t *testing.T) {
	var _ stats.Observer = NewTypingMetrics(nil)
}
