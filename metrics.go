package whistleca

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the certificate authority and
// its admin API. A nil *Metrics records nothing.
type Metrics struct {
	certsIssued     prometheus.Counter
	issueDuration   prometheus.Histogram
	issueErrors     prometheus.Counter
	certCacheSize   prometheus.Gauge
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter
	overrideHits    *prometheus.CounterVec
	overridesLoaded *prometheus.GaugeVec
	rootGenerated   prometheus.Counter
	rootLoaded      prometheus.Counter
	adminRequests   *prometheus.CounterVec
	adminThrottled  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "certificates_issued_total",
			Help:      "Number of leaf certificates signed by the root CA.",
		}),

		issueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "whistleca",
			Name:      "issue_duration_seconds",
			Help:      "Time spent building and signing a leaf certificate.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),

		issueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "issue_errors_total",
			Help:      "Number of failed leaf certificate issuances.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whistleca",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		overrideHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "override_hits_total",
			Help:      "Number of requests served from a user supplied certificate.",
		}, []string{"kind"}),

		overridesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "whistleca",
			Name:      "overrides_loaded",
			Help:      "Number of user supplied certificates loaded at startup.",
		}, []string{"kind"}),

		rootGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "root_ca_generated_total",
			Help:      "Number of times a new root CA was generated.",
		}),

		rootLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "root_ca_loaded_total",
			Help:      "Number of times an existing root CA was loaded from disk.",
		}),

		adminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "admin_requests_total",
			Help:      "Admin API requests by route and status class.",
		}, []string{"route", "code"}),

		adminThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whistleca",
			Name:      "admin_requests_throttled_total",
			Help:      "Admin API requests rejected by the rate limiter.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.certsIssued,
		m.issueDuration,
		m.issueErrors,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.overrideHits,
		m.overridesLoaded,
		m.rootGenerated,
		m.rootLoaded,
		m.adminRequests,
		m.adminThrottled,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIssued records a signed leaf and how long it took.
func (m *Metrics) RecordIssued(d time.Duration) {
	if m == nil {
		return
	}
	m.certsIssued.Inc()
	m.issueDuration.Observe(d.Seconds())
}

// RecordIssueError records a failed issuance.
func (m *Metrics) RecordIssueError() {
	if m == nil {
		return
	}
	m.issueErrors.Inc()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	if m == nil {
		return
	}
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	if m == nil {
		return
	}
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	if m == nil {
		return
	}
	m.certCacheMisses.Inc()
}

// RecordOverrideHit records a request answered by an exact or wildcard override.
func (m *Metrics) RecordOverrideHit(kind string) {
	if m == nil {
		return
	}
	m.overrideHits.WithLabelValues(kind).Inc()
}

// SetOverridesLoaded sets the override table sizes.
func (m *Metrics) SetOverridesLoaded(exact, wildcard int) {
	if m == nil {
		return
	}
	m.overridesLoaded.WithLabelValues(string(OverrideExact)).Set(float64(exact))
	m.overridesLoaded.WithLabelValues(string(OverrideWildcard)).Set(float64(wildcard))
}

// RecordRootGenerated records that a new root CA was created.
func (m *Metrics) RecordRootGenerated() {
	if m == nil {
		return
	}
	m.rootGenerated.Inc()
}

// RecordRootLoaded records that the root CA was read from disk.
func (m *Metrics) RecordRootLoaded() {
	if m == nil {
		return
	}
	m.rootLoaded.Inc()
}

// RecordAdminRequest records a served admin API request.
func (m *Metrics) RecordAdminRequest(route string, status int) {
	if m == nil {
		return
	}
	m.adminRequests.WithLabelValues(route, statusClass(status)).Inc()
}

// RecordAdminThrottled records a rate limited admin request.
func (m *Metrics) RecordAdminThrottled() {
	if m == nil {
		return
	}
	m.adminThrottled.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
