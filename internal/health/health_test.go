package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typestatd/internal/stats"
)

type fakeStats struct{ st stats.Status }

func (f *fakeStats) Status() stats.Status { return f.st }

func TestStatsCheck(t *testing.T) {
	tests := []struct {
		name string
		st   stats.Status
		want Status
	}{
		{"healthy", stats.Status{Health: stats.Healthy, Started: true, UnitAlive: true}, StatusHealthy},
		{"low memory", stats.Status{Health: stats.LowMemory}, StatusDegraded},
		{"fallback", stats.Status{Health: stats.Fallback}, StatusDegraded},
		{"closed", stats.Status{Health: stats.Healthy, Closed: true}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := StatsCheck(&fakeStats{st: tt.st})(context.Background())
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.st.Health.String(), res.Details["health"])
		})
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional unhealthy degrades", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"critical degraded", StatusDegraded, StatusHealthy, StatusDegraded},
		{"critical unhealthy", StatusUnhealthy, StatusHealthy, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("critical", true, func(context.Context) CheckResult { return CheckResult{Status: tt.critical} })
			c.RegisterFunc("optional", false, func(context.Context) CheckResult { return CheckResult{Status: tt.optional} })

			assert.Equal(t, StatusUnknown, c.OverallStatus())
			results := c.Check(context.Background())
			assert.Len(t, results, 2)
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("kaboom") })

	results := c.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "kaboom", results["panics"].Error)
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("custom", true, CustomCheck(func() error { return errors.New("unreachable") }))

	res, ok := c.CheckComponent(context.Background(), "custom")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "unreachable", res.Error)

	stored, ok := c.GetResult("custom")
	require.True(t, ok)
	assert.Equal(t, res.Status, stored.Status)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)

	c.Unregister("custom")
	assert.Empty(t, c.Components())
}

func TestMemoryCheck(t *testing.T) {
	assert.Equal(t, StatusDegraded, MemoryCheck(1)(context.Background()).Status)
	assert.Equal(t, StatusHealthy, MemoryCheck(1<<40)(context.Background()).Status)
}

func TestMux(t *testing.T) {
	src := &fakeStats{st: stats.Status{Health: stats.Healthy}}
	c := NewChecker()
	c.RegisterFunc("stats-orchestrator", true, StatsCheck(src))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("typestatd_keystrokes_total 1\n"))
	})
	mux := c.Mux(metrics)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/health?full=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "stats-orchestrator")

	src.st.Health = stats.Fallback
	rec = get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var brief HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &brief))
	assert.Equal(t, StatusDegraded, brief.Status)
	assert.Empty(t, brief.Components)

	src.st.Closed = true
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)

	assert.Contains(t, get("/metrics").Body.String(), "typestatd_keystrokes_total")
}
