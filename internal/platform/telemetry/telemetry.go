// Package telemetry exposes workflow counters and HTTP server metrics in
// Prometheus format. Counters are created lazily by name so services can
// record business events without registering them up front.
package telemetry

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Labels are attached to a counter sample. A given counter name must always
// be recorded with the same label keys.
type Labels map[string]string

// Counter records monotonically increasing workflow metrics. Implementations
// must not block.
type Counter interface {
	Inc(name string, value float64, labels Labels)
}

// Nop discards every sample.
type Nop struct{}

func (Nop) Inc(string, float64, Labels) {}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type Registry struct {
	reg       *prometheus.Registry
	namespace string

	mu       sync.Mutex
	counters map[string]*counterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge
}

type counterVec struct {
	vec    *prometheus.CounterVec
	labels []string
}

var ErrLabelMismatch = errors.New("telemetry: label keys differ from first registration")

// NewRegistry creates a private Prometheus registry with Go runtime and
// process collectors plus HTTP server metrics.
func NewRegistry(namespace string) *Registry {
	r := &Registry{
		reg:       prometheus.NewRegistry(),
		namespace: namespace,
		counters:  make(map[string]*counterVec),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.httpActive,
	)
	return r
}

// Inc adds value to the named counter. Samples whose label keys disagree with
// the counter's first registration are dropped.
func (r *Registry) Inc(name string, value float64, labels Labels) {
	cv, err := r.counter(name, labels)
	if err != nil {
		return
	}
	cv.vec.With(prometheus.Labels(labels)).Add(value)
}

func (r *Registry) counter(name string, labels Labels) (*counterVec, error) {
	keys := labelKeys(labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cv, ok := r.counters[name]; ok {
		if strings.Join(cv.labels, ",") != strings.Join(keys, ",") {
			return nil, ErrLabelMismatch
		}
		return cv, nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      strings.ReplaceAll(name, "_", " "),
	}, keys)
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	cv := &counterVec{vec: vec, labels: keys}
	r.counters[name] = cv
	return cv, nil
}

func labelKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count, latency and in-flight requests,
// labelled by the matched route pattern.
func (r *Registry) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.httpActive.Inc()
			defer r.httpActive.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			method := c.Request().Method
			r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in Prometheus text exposition format.
func (r *Registry) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
}

// ---------------------------------------------------------------------------
// MemoryCounter
// ---------------------------------------------------------------------------

// MemoryCounter keeps samples in memory. Useful in tests.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]float64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]float64)}
}

func (m *MemoryCounter) Inc(name string, value float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[seriesKey(name, labels)] += value
}

// Value returns the current total for name with exactly these labels.
func (m *MemoryCounter) Value(name string, labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[seriesKey(name, labels)]
}

func seriesKey(name string, labels Labels) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range labelKeys(labels) {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}
