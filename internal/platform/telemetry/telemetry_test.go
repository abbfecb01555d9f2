package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestLabels(t *testing.T) {
	if got := Labels("entity", "patients", "outcome", "created"); got != `entity="patients",outcome="created"` {
		t.Errorf("unexpected labels %s", got)
	}
	if got := Labels(); got != "" {
		t.Errorf("expected empty labels, got %q", got)
	}
}

func TestRunLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RunStarted()
	if got := m.Gauge(metricRunsActive, ""); got != 1 {
		t.Fatalf("expected 1 active run, got %d", got)
	}

	m.RunFinished("completed", 2*time.Second)
	if got := m.Gauge(metricRunsActive, ""); got != 0 {
		t.Errorf("expected 0 active runs, got %d", got)
	}
	if got := m.Counter(metricRuns, Labels("status", "completed")); got != 1 {
		t.Errorf("expected 1 completed run, got %d", got)
	}
}

func TestRecordsProcessed(t *testing.T) {
	m := NewMetrics()
	m.RecordsProcessed("patients", "created", 3)
	m.RecordsProcessed("patients", "created", 2)
	m.RecordsProcessed("patients", "updated", 0)

	if got := m.Counter(metricRecords, Labels("entity", "patients", "outcome", "created")); got != 5 {
		t.Errorf("expected 5 created, got %d", got)
	}
	if strings.Contains(m.Render(), `outcome="updated"`) {
		t.Error("zero increments should not create a series")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("failed", time.Second)
	m.RecordsProcessed("labs", "created", 1)
	m.ErrorRecorded("labs", "fetch_failure")
	if m.Render() != "" || m.Counter(metricRuns, "") != 0 {
		t.Error("nil metrics should discard observations")
	}
}

func TestConcurrentCounters(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ErrorRecorded("visits", "prerequisite_missing")
		}()
	}
	wg.Wait()
	if got := m.Counter(metricUpstreamErrors, Labels("entity", "visits", "kind", "prerequisite_missing")); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/sync/runs/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "sync run not found")
	})
	e.GET("/metrics", m.Handler())

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sync/runs/abc", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	want := `http_server_request_duration_seconds_count{method="GET",route="/api/v1/sync/runs/:id",status_code="404"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("missing %q in:\n%s", want, body)
	}
	if !strings.Contains(body, "# TYPE http_server_active_requests gauge") {
		t.Error("missing active requests gauge")
	}
}

func TestRender_Histogram(t *testing.T) {
	m := NewMetrics()
	m.RunStarted()
	m.RunFinished("completed", 10*time.Second)
	m.RunStarted()
	m.RunFinished("failed", 2*time.Hour)

	out := m.Render()
	for _, want := range []string{
		`sync_run_duration_seconds_bucket{le="15"} 1`,
		`sync_run_duration_seconds_bucket{le="+Inf"} 2`,
		`sync_run_duration_seconds_count 2`,
		`sync_runs_total{status="failed"} 1`,
		"# TYPE sync_runs_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
