package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PipelineMetrics struct {
	registry *prometheus.Registry

	extractionTotal        *prometheus.CounterVec
	extractionDuration     *prometheus.HistogramVec
	classificationTotal    *prometheus.CounterVec
	classificationDuration *prometheus.HistogramVec
	sessionsOpen           prometheus.Gauge
	sessionsCommitted      prometheus.Counter
	sessionsFailed         prometheus.Counter
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	extractionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "extraction_total",
			Help:        "Total page extractions by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	extractionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "extraction_duration_seconds",
			Help:        "Page extraction duration in seconds by status.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	classificationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "classification_total",
			Help:        "Total session classifications by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	classificationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "classification_duration_seconds",
			Help:        "Session classification duration in seconds by status.",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	sessionsOpen := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "sessions_open",
			Help:        "Number of sessions currently collecting.",
			ConstLabels: constLabels,
		},
	)
	sessionsCommitted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "sessions_committed_total",
			Help:        "Total sessions that reached the committed state.",
			ConstLabels: constLabels,
		},
	)
	sessionsFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "mailroom",
			Subsystem:   "pipeline",
			Name:        "sessions_failed_total",
			Help:        "Total sessions that exhausted retries and failed.",
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(
		extractionTotal, extractionDuration,
		classificationTotal, classificationDuration,
		sessionsOpen, sessionsCommitted, sessionsFailed,
	)

	return &PipelineMetrics{
		registry:               registry,
		extractionTotal:        extractionTotal,
		extractionDuration:     extractionDuration,
		classificationTotal:    classificationTotal,
		classificationDuration: classificationDuration,
		sessionsOpen:           sessionsOpen,
		sessionsCommitted:      sessionsCommitted,
		sessionsFailed:         sessionsFailed,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) FinishExtraction(duration time.Duration, err error) {
	status := statusLabel(err)
	m.extractionTotal.WithLabelValues(status).Inc()
	m.extractionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *PipelineMetrics) FinishClassification(duration time.Duration, err error) {
	status := statusLabel(err)
	m.classificationTotal.WithLabelValues(status).Inc()
	m.classificationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *PipelineMetrics) SetOpenSessions(count int) {
	m.sessionsOpen.Set(float64(count))
}

func (m *PipelineMetrics) SessionCommitted() {
	m.sessionsCommitted.Inc()
}

func (m *PipelineMetrics) SessionFailed() {
	m.sessionsFailed.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
