// Package telemetry keeps in-process counters and histograms for the bot and
// the admin API and exposes them in the Prometheus text format.
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

// Outcomes reported for bot events.
const (
	OutcomeOK        = "ok"
	OutcomeUserError = "user_error"
	OutcomeError     = "error"
)

// defaultDurationBuckets are the histogram bucket boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	mu           sync.Mutex
	bucketCounts []int64
	count        int64
	sum          float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) snapshot() (cum []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum = make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum, h.count, h.sum
}

// ---------------------------------------------------------------------------
// Labeled stores, keyed by label values joined with "|"
// ---------------------------------------------------------------------------

type counterVec struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterVec() *counterVec {
	return &counterVec{items: make(map[string]*int64)}
}

func (s *counterVec) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterVec) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (s *counterVec) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type histogramVec struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramVec() *histogramVec {
	return &histogramVec{items: make(map[string]*histogram)}
}

func (s *histogramVec) observe(key string, v float64) {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if h, ok = s.items[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			s.items[key] = h
		}
		s.mu.Unlock()
	}
	h.Observe(v)
}

func (s *histogramVec) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey joins label values into a store key. Exported so tests can build
// the same key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is the process-wide metric registry.
type Metrics struct {
	botEvents      *counterVec   // intent, outcome
	botDurations   *histogramVec // intent
	httpRequests   *counterVec   // method, route, status
	httpDurations  *histogramVec // method, route
	activeRequests int64
	started        time.Time
}

func New() *Metrics {
	return &Metrics{
		botEvents:     newCounterVec(),
		botDurations:  newHistogramVec(),
		httpRequests:  newCounterVec(),
		httpDurations: newHistogramVec(),
		started:       time.Now(),
	}
}

// ObserveEvent records one handled bot event.
func (m *Metrics) ObserveEvent(intent, outcome string, d time.Duration) {
	m.botEvents.inc(LabelsKey(intent, outcome))
	m.botDurations.observe(LabelsKey(intent), d.Seconds())
}

// BotEvents returns the count for an intent and outcome.
func (m *Metrics) BotEvents(intent, outcome string) int64 {
	return m.botEvents.get(LabelsKey(intent, outcome))
}

// HTTPRequests returns the count for a method, route and status.
func (m *Metrics) HTTPRequests(method, route string, status int) int64 {
	return m.httpRequests.get(LabelsKey(method, route, strconv.Itoa(status)))
}

// Middleware records request counts and durations per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			defer atomic.AddInt64(&m.activeRequests, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			m.httpRequests.inc(LabelsKey(method, route, strconv.Itoa(status)))
			m.httpDurations.observe(LabelsKey(method, route), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeCounter(&b, "bot_events_total", "Bot events handled by intent and outcome.",
			[]string{"intent", "outcome"}, m.botEvents.snapshot())
		writeHistogram(&b, "bot_event_duration_seconds", "Time spent handling bot events.",
			[]string{"intent"}, m.botDurations.snapshot())
		writeCounter(&b, "http_requests_total", "Admin API requests by method, route and status.",
			[]string{"method", "route", "status"}, m.httpRequests.snapshot())
		writeHistogram(&b, "http_request_duration_seconds", "Admin API request duration.",
			[]string{"method", "route"}, m.httpDurations.snapshot())

		b.WriteString("# HELP http_active_requests Admin API requests in flight.\n")
		b.WriteString("# TYPE http_active_requests gauge\n")
		fmt.Fprintf(&b, "http_active_requests %d\n\n", atomic.LoadInt64(&m.activeRequests))

		b.WriteString("# HELP process_uptime_seconds Seconds since the process started.\n")
		b.WriteString("# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(&b, "process_uptime_seconds %.0f\n", time.Since(m.started).Seconds())

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Exposition helpers
// ---------------------------------------------------------------------------

func labelPairs(names []string, key string) string {
	values := strings.SplitN(key, "|", len(names))
	pairs := make([]string, 0, len(names))
	for i, name := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", name, v))
	}
	return strings.Join(pairs, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounter(b *strings.Builder, name, help string, labels []string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, labelPairs(labels, key), values[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, labels []string, items map[string]*histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range sortedKeys(items) {
		h := items[key]
		lp := labelPairs(labels, key)
		cum, count, sum := h.snapshot()
		for i, bound := range h.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=%q} %d\n", name, lp, formatBound(bound), cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, lp, count)
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, lp, sum)
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, lp, count)
	}
	b.WriteByte('\n')
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
