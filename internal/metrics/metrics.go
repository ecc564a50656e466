/**
 * Prometheus metrics for the PCF Worker
 *
 * All collectors live on a private registry exposed at /metrics. Methods are
 * safe to call on a nil *Metrics so callers never branch on whether metrics
 * are enabled.
 */

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker/v2"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
)

const namespace = "pcf"

// Document outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds the worker's collectors
type Metrics struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	lineItems     prometheus.Counter
	rowRejections prometheus.Counter
	diagnostics   *prometheus.CounterVec
	duration      prometheus.Histogram
	ocrConfidence prometheus.Histogram
	jobs          *prometheus.CounterVec
	expiringItems prometheus.Gauge
	purgedItems   prometheus.Counter
	purgedDocs    prometheus.Counter
	breakerState  *prometheus.GaugeVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Scanned pages handled, by outcome.",
		}, []string{"outcome"}),
		lineItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "line_items_total",
			Help:      "Line items reconstructed.",
		}),
		rowRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_rejections_total",
			Help:      "Rows and fields dropped during reconstruction.",
		}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Diagnostics emitted, by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "End-to-end processing time of one page.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ocrConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_confidence",
			Help:      "Mean line confidence reported by the recognizer.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queue jobs, by event.",
		}, []string{"event"}),
		expiringItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expiring_line_items",
			Help:      "Line items inside the expiry alert window at the last retention pass.",
		}),
		purgedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_line_items_total",
			Help:      "Line items deleted by retention.",
		}),
		purgedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_documents_total",
			Help:      "Documents deleted by retention.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.documents,
		m.lineItems,
		m.rowRejections,
		m.diagnostics,
		m.duration,
		m.ocrConfidence,
		m.jobs,
		m.expiringItems,
		m.purgedItems,
		m.purgedDocs,
		m.breakerState,
	)

	return m
}

// Registry returns the registry to expose
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveDocument records a successfully reconstructed page
func (m *Metrics) ObserveDocument(result *pcf.DocumentResult, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}
	m.documents.WithLabelValues(OutcomeProcessed).Inc()
	m.lineItems.Add(float64(len(result.LineItems)))
	m.rowRejections.Add(float64(result.Rejections()))
	for _, d := range result.Diagnostics {
		m.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	}
	m.duration.Observe(elapsed.Seconds())
}

// ObserveOutcome counts a page that did not produce a result
func (m *Metrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// ObserveOCRConfidence records the recognizer's mean confidence
func (m *Metrics) ObserveOCRConfidence(confidence float64) {
	if m == nil {
		return
	}
	m.ocrConfidence.Observe(confidence)
}

// JobEvent counts queue events such as enqueued, completed, retried, failed
func (m *Metrics) JobEvent(event string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(event).Inc()
}

// SetExpiring sets the alert-window gauge
func (m *Metrics) SetExpiring(n int64) {
	if m == nil {
		return
	}
	m.expiringItems.Set(float64(n))
}

// AddPurged counts items and documents removed by retention
func (m *Metrics) AddPurged(items int64, documents int) {
	if m == nil {
		return
	}
	m.purgedItems.Add(float64(items))
	m.purgedDocs.Add(float64(documents))
}

// BreakerStateChanged is a gobreaker OnStateChange hook
func (m *Metrics) BreakerStateChanged(name string, _ gobreaker.State, to gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
