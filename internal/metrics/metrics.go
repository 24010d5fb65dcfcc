package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kerne"

// ── Chain / aggregator ─────────────────────────────────────────────────

var (
	ChainRPCFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "rpc_failures_total",
		Help:      "RPC calls that failed on one endpoint, per chain and operation.",
	}, []string{"chain", "op"})

	ChainStale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "chain_stale",
		Help:      "1 when the chain's state is stale or rejected.",
	}, []string{"chain"})

	ChainTVL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "chain_tvl",
		Help:      "Last accepted vault totalAssets per chain, in asset units.",
	}, []string{"chain"})

	TotalTVL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "total_tvl",
		Help:      "Sum of fresh chain TVL, in asset units.",
	})

	ZeroReadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "zero_reads_rejected_total",
		Help:      "Zero TVL reads rejected because no drain was observed.",
	}, []string{"chain"})
)

// ── Event queue ────────────────────────────────────────────────────────

var (
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the queue was full.",
	})

	QueueCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "coalesced_total",
		Help:      "Events merged into an already queued event of the same kind and chain.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "queue_depth",
		Help:      "Events currently waiting for the hedging engine.",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "received_total",
		Help:      "Events received per kind and transport.",
	}, []string{"kind", "transport"})
)

// ── Hedging engine ─────────────────────────────────────────────────────

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hedger",
		Name:      "cycles_total",
		Help:      "Rebalance cycles per outcome.",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "hedger",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a rebalance cycle.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "orders_total",
		Help:      "Orders sent to the venue per side and result.",
	}, []string{"side", "result"})

	VenueAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "auth_failures_total",
		Help:      "Venue requests rejected for authentication reasons.",
	})

	TargetLeverage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hedger",
		Name:      "target_leverage",
		Help:      "Leverage chosen by the controller in the last cycle.",
	})

	NetDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hedger",
		Name:      "delta_base",
		Help:      "targetShort - currentShort observed in the last cycle.",
	})
)

// ── Risk ───────────────────────────────────────────────────────────────

var (
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "health_score",
		Help:      "Latest health score in [0,100].",
	})

	RiskTier = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "tier",
		Help:      "Current tier: 0 healthy, 1 warn, 2 elevated, 3 critical.",
	})

	PauseInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "pause_invocations_total",
		Help:      "On-chain pause attempts per result.",
	}, []string{"result"})
)

// ── Proof of reserve ───────────────────────────────────────────────────

var (
	AttestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "por",
		Name:      "attestations_total",
		Help:      "Attestations produced per status and method.",
	}, []string{"status", "method"})

	SolvencyRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "por",
		Name:      "solvency_ratio",
		Help:      "Latest totalAssets / totalLiabilities (0 when liabilities are zero).",
	})

	ZKFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "por",
		Name:      "ecdsa_fallbacks_total",
		Help:      "Attestations that used the ECDSA track, per reason.",
	}, []string{"reason"})
)

// ── Alerting ───────────────────────────────────────────────────────────

var (
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Alerts delivered per severity and channel.",
	}, []string{"severity", "channel"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Alerts dropped by the cooldown, per category.",
	}, []string{"category"})
)
