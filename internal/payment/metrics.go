package payment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	observationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "observations_total",
		Help:      "Status observations processed by source and outcome.",
	}, []string{"source", "outcome"}) // applied, already_applied, terminal, regression, unknown_status, unknown_payment, race_lost, error

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "transitions_total",
		Help:      "Canonical status transitions by target status.",
	}, []string{"to"})

	sideEffectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "side_effects_total",
		Help:      "Commerce side effects by tag and result.",
	}, []string{"tag", "result"}) // result: applied, skipped, race_lost, failed

	unknownPaymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "unknown_payments_total",
		Help:      "Observations for payment ids with no local record; candidates for manual reconciliation.",
	})

	applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "apply_duration_seconds",
		Help:      "End-to-end observation apply latency, including commerce calls.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	signatureRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "webhook",
		Name:      "signature_rejects_total",
		Help:      "Rejected push notifications by reason.",
	}, []string{"reason"})

	pollFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payzbridge",
		Subsystem: "reconcile",
		Name:      "poll_fallbacks_total",
		Help:      "Status polls served from the cached record due to upstream failure.",
	})
)

func init() {
	prometheus.MustRegister(
		observationsTotal,
		transitionsTotal,
		sideEffectsTotal,
		unknownPaymentsTotal,
		applyDuration,
		signatureRejectsTotal,
		pollFallbacksTotal,
	)
}

func observeApply(source Source) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		observationsTotal.WithLabelValues(string(source), outcome).Inc()
		applyDuration.Observe(time.Since(start).Seconds())
	}
}
