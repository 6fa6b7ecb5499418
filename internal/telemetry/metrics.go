package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Assessment sources used as the "source" label.
const (
	SourceAPI    = "api"
	SourceWorker = "worker"
)

// Metrics holds Harrier's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Assessments     *prometheus.CounterVec
	AssessmentErrs  *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	AlertsPublished prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewMetrics registers Harrier's collectors plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "assessments_total",
			Help:      "Risk assessments produced, by risk level and source.",
		}, []string{"level", "source"}),
		AssessmentErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "assessment_errors_total",
			Help:      "Snapshots rejected by the risk engine.",
		}, []string{"source"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "batch_duration_seconds",
			Help:      "Time to assess a batch of providers.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"source"}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "alerts_published_total",
			Help:      "Risk alerts published to the event bus.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.Assessments,
		m.AssessmentErrs,
		m.BatchDuration,
		m.AlertsPublished,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(source string, assessments []*domain.RiskAssessment, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	for _, a := range assessments {
		m.Assessments.WithLabelValues(string(a.RiskLevel), source).Inc()
	}
	if failed > 0 {
		m.AssessmentErrs.WithLabelValues(source).Add(float64(failed))
	}
	m.BatchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// AlertPublished counts a published alert.
func (m *Metrics) AlertPublished() {
	if m == nil {
		return
	}
	m.AlertsPublished.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
