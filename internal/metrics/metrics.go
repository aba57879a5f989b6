// Package metrics exposes Prometheus instrumentation for the trading
// lifecycle: scan cycles, signals, entries, position states and the
// reconciliation sweep. All collectors are registered on the default
// registry and served by the ops server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Scan and signal metrics ============

// ScanCycles counts completed funding-rate scan cycles.
var ScanCycles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "scan",
		Name:      "cycles_total",
		Help:      "Total number of funding rate scan cycles",
	},
	[]string{"result"}, // ok, error
)

// ScanDuration tracks how long a full scan cycle takes.
var ScanDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundinghunter",
		Subsystem: "scan",
		Name:      "duration_seconds",
		Help:      "Duration of a full scan cycle in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

// SignalsGenerated counts trade signals produced by the evaluator.
var SignalsGenerated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "signal",
		Name:      "generated_total",
		Help:      "Total number of trade signals generated",
	},
	[]string{"direction"}, // long, short
)

// FundingRateObserved tracks the funding rates seen during scans, in percent.
var FundingRateObserved = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundinghunter",
		Subsystem: "scan",
		Name:      "funding_rate_pct",
		Help:      "Observed funding rates in percent",
		Buckets:   []float64{-2, -1, -0.5, -0.3, -0.1, 0, 0.1, 0.3, 0.5, 1, 2},
	},
)

// ============ Position lifecycle metrics ============

// EntriesTotal counts entry attempts by outcome.
var EntriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "engine",
		Name:      "entries_total",
		Help:      "Total number of position entries",
	},
	[]string{"result"}, // filled, failed, rejected
)

// PositionsActive gauges the number of positions by lifecycle state.
var PositionsActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundinghunter",
		Subsystem: "engine",
		Name:      "positions_active",
		Help:      "Current number of positions by state",
	},
	[]string{"state"}, // pending_entry, open, degraded, closing
)

// PositionsClosed counts closed positions by what triggered the close.
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "engine",
		Name:      "positions_closed_total",
		Help:      "Total number of closed positions",
	},
	[]string{"closed_by"}, // stop_loss, take_profit, manual
)

// DegradedCycles counts failed protection recovery attempts. A rising
// counter means a position is sitting in the market without a stop.
var DegradedCycles = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "engine",
		Name:      "degraded_cycles_total",
		Help:      "Total number of failed protection recovery cycles",
	},
)

// OrderLatency tracks exchange round-trip time for order placement.
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundinghunter",
		Subsystem: "exchange",
		Name:      "order_latency_seconds",
		Help:      "Exchange order placement latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
	[]string{"kind"}, // entry, stop_loss, take_profit, exit
)

// ============ Reconciliation metrics ============

// ReconcileSweeps counts reconciliation sweeps.
var ReconcileSweeps = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "reconcile",
		Name:      "sweeps_total",
		Help:      "Total number of reconciliation sweeps",
	},
)

// ReconcileCorrections counts state corrections applied by the sweep.
var ReconcileCorrections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "reconcile",
		Name:      "corrections_total",
		Help:      "Total number of state corrections applied by reconciliation",
	},
	[]string{"symbol"},
)

// ============ Infrastructure metrics ============

// StreamReconnects counts user data stream reconnections.
var StreamReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "exchange",
		Name:      "stream_reconnects_total",
		Help:      "Total number of user data stream reconnections",
	},
)

// NotificationsSent counts outbound notifications by channel and outcome.
var NotificationsSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundinghunter",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of notifications sent",
	},
	[]string{"channel", "result"}, // channel: telegram, discord; result: ok, error
)

// ============ Helpers ============

// RecordScan records the outcome and duration of one scan cycle.
func RecordScan(err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ScanCycles.WithLabelValues(result).Inc()
	ScanDuration.Observe(seconds)
}

// RecordEntry records an entry attempt outcome.
func RecordEntry(result string) {
	EntriesTotal.WithLabelValues(result).Inc()
}

// RecordClose records a closed position.
func RecordClose(closedBy string) {
	PositionsClosed.WithLabelValues(closedBy).Inc()
}

// UpdatePositionStates replaces the per-state position gauges. Pass the
// full state count map so states that dropped to zero are reset.
func UpdatePositionStates(counts map[string]int) {
	for _, state := range []string{"pending_entry", "open", "degraded", "closing"} {
		PositionsActive.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsSent.WithLabelValues(channel, result).Inc()
}
