package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	swapMetricsOnce sync.Once
	swapRegistry    *SwapMetrics

	scannerMetricsOnce sync.Once
	scannerRegistry    *ScannerMetrics

	txMetricsOnce sync.Once
	txRegistry    *TxExecMetrics

	nonceMetricsOnce sync.Once
	nonceRegistry    *NonceMetrics
)

// SwapMetrics tracks swap coordinator outcomes.
type SwapMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// Swaps returns the lazily-initialised swap coordinator registry.
func Swaps() *SwapMetrics {
	swapMetricsOnce.Do(func() {
		swapRegistry = &SwapMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "swap",
				Name:      "outcomes_total",
				Help:      "Finished swaps segmented by route and terminal state.",
			}, []string{"source", "destination", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "solver",
				Subsystem: "swap",
				Name:      "duration_seconds",
				Help:      "Wall-clock time from commit observation to terminal state.",
				Buckets:   []float64{30, 60, 120, 300, 600, 1200, 2700, 5400, 10800},
			}, []string{"source", "destination"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "solver",
				Subsystem: "swap",
				Name:      "active",
				Help:      "Coordinator instances currently running in this process.",
			}),
		}
		prometheus.MustRegister(swapRegistry.outcomes, swapRegistry.duration, swapRegistry.active)
	})
	return swapRegistry
}

// RecordOutcome records a terminal swap state and its duration.
func (m *SwapMetrics) RecordOutcome(source, destination, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	source = label(source)
	destination = label(destination)
	m.outcomes.WithLabelValues(source, destination, label(outcome)).Inc()
	if d > 0 {
		m.duration.WithLabelValues(source, destination).Observe(d.Seconds())
	}
}

// AddActive moves the active coordinator gauge by delta.
func (m *SwapMetrics) AddActive(delta float64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}

// ScannerMetrics tracks per-network block scanning progress.
type ScannerMetrics struct {
	cursor   *prometheus.GaugeVec
	latest   *prometheus.GaugeVec
	events   *prometheus.CounterVec
	restarts *prometheus.CounterVec
	ranges   *prometheus.HistogramVec
}

// Scanner returns the lazily-initialised scanner registry.
func Scanner() *ScannerMetrics {
	scannerMetricsOnce.Do(func() {
		scannerRegistry = &ScannerMetrics{
			cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "solver",
				Subsystem: "scanner",
				Name:      "cursor_block",
				Help:      "Last fully processed block per network.",
			}, []string{"network"}),
			latest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "solver",
				Subsystem: "scanner",
				Name:      "latest_block",
				Help:      "Last confirmed block reported by the network adapter.",
			}, []string{"network"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "scanner",
				Name:      "events_total",
				Help:      "HTLC events handed off by the scanner segmented by kind and result.",
			}, []string{"network", "kind", "result"}),
			restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "scanner",
				Name:      "restarts_total",
				Help:      "Scanner generations restarted with a carried-forward cursor.",
			}, []string{"network", "reason"}),
			ranges: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "solver",
				Subsystem: "scanner",
				Name:      "range_duration_seconds",
				Help:      "Latency of fetching and dispatching a single block range.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"network"}),
		}
		prometheus.MustRegister(
			scannerRegistry.cursor,
			scannerRegistry.latest,
			scannerRegistry.events,
			scannerRegistry.restarts,
			scannerRegistry.ranges,
		)
	})
	return scannerRegistry
}

// SetProgress publishes the current cursor and chain head for a network.
func (m *ScannerMetrics) SetProgress(network string, cursor, latest uint64) {
	if m == nil {
		return
	}
	network = label(network)
	m.cursor.WithLabelValues(network).Set(float64(cursor))
	m.latest.WithLabelValues(network).Set(float64(latest))
}

// RecordEvent counts an event hand-off.
func (m *ScannerMetrics) RecordEvent(network, kind, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(network), label(kind), label(result)).Inc()
}

// RecordRestart counts a continue-as-new restart.
func (m *ScannerMetrics) RecordRestart(network, reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(label(network), label(reason)).Inc()
}

// ObserveRange records how long a block range took to process.
func (m *ScannerMetrics) ObserveRange(network string, d time.Duration) {
	if m == nil {
		return
	}
	m.ranges.WithLabelValues(label(network)).Observe(d.Seconds())
}

// TxExecMetrics tracks the transaction execution pipeline.
type TxExecMetrics struct {
	attempts *prometheus.CounterVec
	alerts   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// TxExec returns the lazily-initialised transaction execution registry.
func TxExec() *TxExecMetrics {
	txMetricsOnce.Do(func() {
		txRegistry = &TxExecMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "txexec",
				Name:      "attempts_total",
				Help:      "Transaction pipeline attempts segmented by type and classified outcome.",
			}, []string{"network", "type", "outcome"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "txexec",
				Name:      "alerts_total",
				Help:      "Conditions that require operator action, such as an empty hot wallet.",
			}, []string{"network", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "solver",
				Subsystem: "txexec",
				Name:      "confirmation_seconds",
				Help:      "Time from request to confirmed transaction.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"network", "type"}),
		}
		prometheus.MustRegister(txRegistry.attempts, txRegistry.alerts, txRegistry.latency)
	})
	return txRegistry
}

// RecordAttempt counts a pipeline attempt.
func (m *TxExecMetrics) RecordAttempt(network, txType, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(label(network), label(txType), label(outcome)).Inc()
}

// RecordAlert counts an operator alert.
func (m *TxExecMetrics) RecordAlert(network, reason string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(label(network), label(reason)).Inc()
}

// ObserveConfirmation records end-to-end latency of a confirmed transaction.
func (m *TxExecMetrics) ObserveConfirmation(network, txType string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(label(network), label(txType)).Observe(d.Seconds())
}

// NonceMetrics tracks nonce reservations.
type NonceMetrics struct {
	issued     *prometheus.CounterVec
	contention *prometheus.CounterVec
}

// Nonce returns the lazily-initialised nonce registry.
func Nonce() *NonceMetrics {
	nonceMetricsOnce.Do(func() {
		nonceRegistry = &NonceMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "nonce",
				Name:      "issued_total",
				Help:      "Nonces issued segmented by source (chain or cache).",
			}, []string{"network", "source"}),
			contention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solver",
				Subsystem: "nonce",
				Name:      "lock_contention_total",
				Help:      "Nonce lock acquisitions that timed out while waiting.",
			}, []string{"network"}),
		}
		prometheus.MustRegister(nonceRegistry.issued, nonceRegistry.contention)
	})
	return nonceRegistry
}

// RecordIssued counts an issued nonce.
func (m *NonceMetrics) RecordIssued(network, source string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(label(network), label(source)).Inc()
}

// RecordContention counts a lock acquisition timeout.
func (m *NonceMetrics) RecordContention(network string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(label(network)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
