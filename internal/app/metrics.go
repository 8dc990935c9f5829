/**
 * @description
 * Prometheus instrumentation for the onramp processor. Counters cover every
 * stage boundary of the pipeline; the histogram tracks how long a transaction
 * spends inside each stage. All metrics register against the default registry
 * and are served on /metrics by the API router.
 *
 * @dependencies
 * - github.com/prometheus/client_golang/prometheus: Metric types.
 * - github.com/prometheus/client_golang/prometheus/promauto: Auto-registration.
 */

package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_payments_confirmed_total",
		Help: "Fiat payments confirmed and claimed for processing, by provider.",
	}, []string{"provider"})

	paymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_payments_failed_total",
		Help: "Transactions failed before payment capture, by reason.",
	}, []string{"reason"})

	amountMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onramp_amount_mismatches_total",
		Help: "Confirmation events whose amount did not match the transaction record.",
	})

	transfersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onramp_transfers_submitted_total",
		Help: "Ledger transfers accepted by the settlement gateway.",
	})

	transfersConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onramp_transfers_confirmed_total",
		Help: "Ledger transfers finalized successfully on-chain.",
	})

	transfersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_transfers_failed_total",
		Help: "Transactions failed after payment capture, by reason.",
	}, []string{"reason"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_refunds_total",
		Help: "Refund attempts finished, by outcome (completed|failed).",
	}, []string{"outcome"})

	manualReviews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onramp_manual_reviews_total",
		Help: "Transactions escalated to pending_manual_review.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onramp_stage_duration_seconds",
		Help:    "Time a transaction spent in a pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
)
