// Package metrics registers the Prometheus instruments for the analysis
// pipeline. Construct one Metrics per process; promauto registers into the
// default registry, which /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the backend emits.
type Metrics struct {
	// Ingestion
	JobsIngested *prometheus.CounterVec
	CacheHits    *prometheus.CounterVec

	// Queue
	QueueDepth *prometheus.GaugeVec

	// Worker
	JobDuration    *prometheus.HistogramVec
	CreditsCharged *prometheus.CounterVec
	AnalyzerErrors *prometheus.CounterVec
	LedgerFailures prometheus.Counter

	// Delivery
	WebhookDeliveries *prometheus.CounterVec
	PaymentEvents     *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_jobs_ingested_total",
				Help: "Jobs accepted at the ingestion API",
			},
			[]string{"tier", "source"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_cache_hits_total",
				Help: "Uploads answered from a prior completed job",
			},
			[]string{"source"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deepbin_queue_depth",
				Help: "Tasks per tier and state",
			},
			[]string{"tier", "state"}, // state: active, waiting, delayed, failed
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deepbin_job_duration_seconds",
				Help:    "Wall time from dequeue to terminal state",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"tier", "outcome"}, // outcome: completed, failed
		),

		CreditsCharged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_credits_charged_total",
				Help: "Credits debited for completed jobs",
			},
			[]string{"source"},
		),

		AnalyzerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_analyzer_errors_total",
				Help: "Analyzer call failures",
			},
			[]string{"kind"}, // kind: unavailable, timeout, http, decode
		),

		LedgerFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deepbin_ledger_failures_total",
				Help: "Ledger writes that failed after the job completed",
			},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_webhook_deliveries_total",
				Help: "Notification endpoint delivery attempts",
			},
			[]string{"status"}, // status: delivered, failed, disabled
		),

		PaymentEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepbin_payment_events_total",
				Help: "Payment webhook events by outcome",
			},
			[]string{"event"}, // event: captured, failed, replayed, rejected
		),
	}
}

// RecordIngest counts an accepted upload. Cache hits count in both vectors.
func (m *Metrics) RecordIngest(tier, source string, cached bool) {
	m.JobsIngested.WithLabelValues(tier, source).Inc()
	if cached {
		m.CacheHits.WithLabelValues(source).Inc()
	}
}

// SetQueueDepth publishes one tier/state gauge sample.
func (m *Metrics) SetQueueDepth(tier, state string, depth float64) {
	m.QueueDepth.WithLabelValues(tier, state).Set(depth)
}

// RecordJobOutcome observes one finished attempt.
func (m *Metrics) RecordJobOutcome(tier, outcome string, seconds float64) {
	m.JobDuration.WithLabelValues(tier, outcome).Observe(seconds)
}

// RecordCharge counts credits debited for a completed job.
func (m *Metrics) RecordCharge(source string, credits int) {
	m.CreditsCharged.WithLabelValues(source).Add(float64(credits))
}

func (m *Metrics) RecordAnalyzerError(kind string) {
	m.AnalyzerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLedgerFailure() {
	m.LedgerFailures.Inc()
}

func (m *Metrics) RecordWebhookDelivery(status string) {
	m.WebhookDeliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPaymentEvent(event string) {
	m.PaymentEvents.WithLabelValues(event).Inc()
}
