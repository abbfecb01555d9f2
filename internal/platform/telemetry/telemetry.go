// Package telemetry keeps in-process counters, gauges, and histograms for the
// sync engine and serves them in the Prometheus text exposition format. It
// has no exporter dependency; scrapers read GET /metrics.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	metricHTTPDuration   = "http_server_request_duration_seconds"
	metricHTTPActive     = "http_server_active_requests"
	metricRuns           = "sync_runs_total"
	metricRunsActive     = "sync_runs_active"
	metricRunDuration    = "sync_run_duration_seconds"
	metricRecords        = "sync_records_total"
	metricUpstreamErrors = "sync_upstream_errors_total"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runDurationBuckets  = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}
)

var help = map[string]string{
	metricHTTPDuration:   "Duration of HTTP requests in seconds.",
	metricHTTPActive:     "Number of in-flight HTTP requests.",
	metricRuns:           "Finished sync runs by status.",
	metricRunsActive:     "Sync runs currently executing.",
	metricRunDuration:    "Wall-clock duration of sync runs in seconds.",
	metricRecords:        "Upstream records processed by entity and outcome.",
	metricUpstreamErrors: "Errors recorded during sync runs by entity and kind.",
}

// histogram is a fixed-bucket histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export time.
type histogram struct {
	boundaries []float64
	mu         sync.Mutex
	buckets    []int64
	count      int64
	sum        uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, buckets: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		cum[i] = running
	}
	return cum
}

// series is a set of values keyed by a rendered label string such as
// `entity="patients",outcome="created"`.
type series struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func (s *series) ptr(labels string) *int64 {
	s.mu.RLock()
	p, ok := s.items[labels]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[labels]; !ok {
		p = new(int64)
		s.items[labels] = p
	}
	return p
}

func (s *series) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// Metrics is safe for concurrent use. A nil *Metrics discards every
// observation, so callers need not check whether metrics are enabled.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*series
	gauges     map[string]*series
	histograms map[string]map[string]*histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*series),
		gauges:     make(map[string]*series),
		histograms: make(map[string]map[string]*histogram),
	}
}

// Labels renders name/value pairs in Prometheus label syntax.
func Labels(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, kv[i]+"="+strconv.Quote(kv[i+1]))
	}
	return strings.Join(parts, ",")
}

func (m *Metrics) seriesOf(set map[string]*series, name string) *series {
	m.mu.RLock()
	s, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = set[name]; !ok {
		s = &series{items: make(map[string]*int64)}
		set[name] = s
	}
	return s
}

func (m *Metrics) histogramOf(name, labels string, boundaries []float64) *histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	byLabels, ok := m.histograms[name]
	if !ok {
		byLabels = make(map[string]*histogram)
		m.histograms[name] = byLabels
	}
	h, ok := byLabels[labels]
	if !ok {
		h = newHistogram(boundaries)
		byLabels[labels] = h
	}
	return h
}

func (m *Metrics) addCounter(name, labels string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddInt64(m.seriesOf(m.counters, name).ptr(labels), n)
}

func (m *Metrics) addGauge(name, labels string, delta int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(m.seriesOf(m.gauges, name).ptr(labels), delta)
}

// Counter returns the current value of a counter series.
func (m *Metrics) Counter(name, labels string) int64 {
	if m == nil {
		return 0
	}
	return m.seriesOf(m.counters, name).snapshot()[labels]
}

// Gauge returns the current value of a gauge series.
func (m *Metrics) Gauge(name, labels string) int64 {
	if m == nil {
		return 0
	}
	return m.seriesOf(m.gauges, name).snapshot()[labels]
}

// RunStarted marks a sync run as executing.
func (m *Metrics) RunStarted() {
	m.addGauge(metricRunsActive, "", 1)
}

// RunFinished records a run's terminal status and duration.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.addGauge(metricRunsActive, "", -1)
	m.addCounter(metricRuns, Labels("status", status), 1)
	m.histogramOf(metricRunDuration, "", runDurationBuckets).Observe(elapsed.Seconds())
}

// RecordsProcessed adds n records with the given outcome for an entity type.
func (m *Metrics) RecordsProcessed(entity, outcome string, n int) {
	m.addCounter(metricRecords, Labels("entity", entity, "outcome", outcome), int64(n))
}

// ErrorRecorded counts one run error by entity and kind.
func (m *Metrics) ErrorRecorded(entity, kind string) {
	m.addCounter(metricUpstreamErrors, Labels("entity", entity, "kind", kind), 1)
}

// Middleware records request durations labeled by method, route, and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.addGauge(metricHTTPActive, "", 1)
			start := time.Now()

			err := next(c)

			m.addGauge(metricHTTPActive, "", -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			labels := Labels("method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status))
			m.histogramOf(metricHTTPDuration, labels, httpDurationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Render())
	}
}

// Render writes all metrics in Prometheus text format with stable ordering.
func (m *Metrics) Render() string {
	if m == nil {
		return ""
	}
	var b strings.Builder

	m.mu.RLock()
	counters := make(map[string]map[string]int64, len(m.counters))
	for name, s := range m.counters {
		counters[name] = s.snapshot()
	}
	gauges := make(map[string]map[string]int64, len(m.gauges))
	for name, s := range m.gauges {
		gauges[name] = s.snapshot()
	}
	histograms := make(map[string]map[string]*histogram, len(m.histograms))
	for name, byLabels := range m.histograms {
		cp := make(map[string]*histogram, len(byLabels))
		for k, h := range byLabels {
			cp[k] = h
		}
		histograms[name] = cp
	}
	m.mu.RUnlock()

	for _, name := range sortedKeys(counters) {
		writeScalar(&b, name, "counter", counters[name])
	}
	for _, name := range sortedKeys(gauges) {
		writeScalar(&b, name, "gauge", gauges[name])
	}
	for _, name := range sortedKeys(histograms) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", name, help[name], name)
		byLabels := histograms[name]
		for _, labels := range sortedKeys(byLabels) {
			writeHistogram(&b, name, labels, byLabels[labels])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func writeScalar(b *strings.Builder, name, typ string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help[name], name, typ)
	for _, labels := range sortedKeys(values) {
		if labels == "" {
			fmt.Fprintf(b, "%s %d\n", name, values[labels])
		} else {
			fmt.Fprintf(b, "%s{%s} %d\n", name, labels, values[labels])
		}
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulative()
	for i, le := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, le, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
