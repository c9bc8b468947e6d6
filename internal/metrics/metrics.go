package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's operational counters. One instance is
// created in main and threaded through the subsystems that record.
type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	GateRejections   *prometheus.CounterVec
	ReviewVerdicts   *prometheus.CounterVec
	SafetyVerdicts   *prometheus.CounterVec
	PayoutsExecuted  prometheus.Counter
	PayoutsFailed    prometheus.Counter
	StakesRecorded   prometheus.Counter
	ReviewDuration   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bounty_webhooks_received_total",
			Help: "Webhook deliveries by action.",
		}, []string{"action"}),
		GateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bounty_gate_rejections_total",
			Help: "Pipeline gate rejections by gate.",
		}, []string{"gate"}),
		ReviewVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bounty_review_verdicts_total",
			Help: "Quality review verdicts.",
		}, []string{"verdict"}),
		SafetyVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bounty_safety_verdicts_total",
			Help: "Safety scan outcomes (pass, fail, unavailable).",
		}, []string{"outcome"}),
		PayoutsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bounty_payouts_executed_total",
			Help: "Successful on-chain bounty payouts.",
		}),
		PayoutsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bounty_payouts_failed_total",
			Help: "Payout attempts that did not complete.",
		}),
		StakesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "bounty_stakes_recorded_total",
			Help: "Stakes verified and recorded active.",
		}),
		ReviewDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bounty_review_duration_seconds",
			Help:    "Wall time of the full review pipeline per PR.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}
