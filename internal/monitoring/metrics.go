// Package monitoring exposes prometheus metrics and the status HTTP
// surface.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics for the domain pipeline.
type Metrics struct {
	// Message processing
	MessagesTotal   *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec

	// Applier
	TransactionsApplied *prometheus.CounterVec

	// Cross-domain clients
	DownstreamDuration *prometheus.HistogramVec
	DownstreamFailures *prometheus.CounterVec

	// Claim sweep
	ClaimBatches prometheus.Counter
	ClaimedFiles prometheus.Counter
}

// NewMetrics creates and registers all prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacollector_messages_total",
				Help: "Inbound messages processed, by kind, action and reply code",
			},
			[]string{"kind", "action", "code"},
		),
		MessageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datacollector_message_duration_seconds",
				Help:    "Time spent handling one inbound message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "action"},
		),
		TransactionsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacollector_transactions_applied_total",
				Help: "Transactions applied to the materialised collections",
			},
			[]string{"action", "outcome"}, // outcome: ok, error
		),
		DownstreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datacollector_downstream_duration_seconds",
				Help:    "Duration of bounded cross-domain exchanges",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"domain", "action"},
		),
		DownstreamFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacollector_downstream_failures_total",
				Help: "Failed cross-domain exchanges, by domain and failure kind",
			},
			[]string{"domain", "action", "kind"}, // kind: timeout, transport, rejected
		),
		ClaimBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "datacollector_claim_batches_total",
				Help: "claimFiles batches sent during maintenance sweeps",
			},
		),
		ClaimedFiles: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "datacollector_claimed_files_total",
				Help: "File identifiers claimed during maintenance sweeps",
			},
		),
	}
}

// ObserveMessage records one processed message.
func (m *Metrics) ObserveMessage(kind, action, code string, seconds float64) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind, action, code).Inc()
	m.MessageDuration.WithLabelValues(kind, action).Observe(seconds)
}
