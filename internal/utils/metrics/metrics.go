package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all gateway metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Callback verification metrics
	VerificationsTotal *prometheus.CounterVec

	// Registry metrics
	RegistryEventsTotal *prometheus.CounterVec
	PluginsLoaded       prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "paybridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "calls_total",
				Help:      "Total number of plugin operations dispatched",
			},
			[]string{"channel", "method", "result"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "call_duration_seconds",
				Help:      "Plugin operation duration in seconds",
				Buckets:   []float64{.001, .005, .025, .1, .25, .5, 1, 2.5, 5, 15, 30},
			},
			[]string{"channel", "method"},
		),

		VerificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "callback",
				Name:      "verifications_total",
				Help:      "Notify and return verifications by outcome",
			},
			[]string{"channel", "kind", "result"},
		),

		RegistryEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "events_total",
				Help:      "Plugin load, reload and unload attempts",
			},
			[]string{"op", "result"},
		),
		PluginsLoaded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "plugins_loaded",
				Help:      "Number of plugins currently resolvable",
			},
		),

		CacheHitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
	}
}

// --- Convenience methods ---
// All methods are no-ops on a nil receiver so components can run without metrics.

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one dispatched plugin operation.
func (m *Metrics) RecordDispatch(channel, method, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(channel, method, result).Inc()
	m.DispatchDuration.WithLabelValues(channel, method).Observe(duration.Seconds())
}

// RecordVerification records a notify or return outcome.
func (m *Metrics) RecordVerification(channel, kind, result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(channel, kind, result).Inc()
}

// RecordRegistryEvent records a registry mutation attempt.
func (m *Metrics) RecordRegistryEvent(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RegistryEventsTotal.WithLabelValues(op, result).Inc()
}

// SetPluginsLoaded sets the live plugin gauge.
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
