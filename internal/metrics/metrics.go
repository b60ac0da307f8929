// Package metrics exposes the orchestrator's prometheus collectors. A nil
// *Registry is valid and records nothing, so services can be built without
// one in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry          *prometheus.Registry
	txSubmitted       *prometheus.CounterVec
	txOutcomes        *prometheus.CounterVec
	confirmWait       *prometheus.HistogramVec
	readRetries       *prometheus.CounterVec
	pollTicks         *prometheus.CounterVec
	networkSwitches   *prometheus.CounterVec
	staleReads        *prometheus.CounterVec
	idempotentReplays prometheus.Counter
	pendingTxs        prometheus.Gauge
}

func New() *Registry {
	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_tx_submitted_total",
		Help: "Transactions broadcast, by operation kind and network",
	}, []string{"kind", "network"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_tx_outcomes_total",
		Help: "Confirmation wait outcomes, by operation kind",
	}, []string{"kind", "outcome"})

	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomfi_confirmation_wait_seconds",
		Help:    "Time spent waiting for the required confirmation depth",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_read_retries_total",
		Help: "Retry attempts for idempotent RPC reads",
	}, []string{"method", "result"})

	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_poll_ticks_total",
		Help: "Poll loop ticks, ran or skipped because the previous one was in flight",
	}, []string{"job", "result"})

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_network_switches_total",
		Help: "Active network changes",
	}, []string{"network", "trigger"})

	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomfi_stale_reads_total",
		Help: "Reads served from the last known value after an RPC failure",
	}, []string{"source"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomfi_idempotent_replays_total",
		Help: "HTTP responses replayed from the idempotency store",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomfi_pending_transactions",
		Help: "Broadcast transactions whose outcome is still unknown",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submitted, outcomes, wait, retries, ticks, switches, stale, replays, pending)

	return &Registry{
		registry:          r,
		txSubmitted:       submitted,
		txOutcomes:        outcomes,
		confirmWait:       wait,
		readRetries:       retries,
		pollTicks:         ticks,
		networkSwitches:   switches,
		staleReads:        stale,
		idempotentReplays: replays,
		pendingTxs:        pending,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

func (m *Registry) IncSubmitted(kind, network string) {
	if m == nil {
		return
	}
	m.txSubmitted.WithLabelValues(kind, network).Inc()
}

func (m *Registry) ObserveConfirmation(kind, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.txOutcomes.WithLabelValues(kind, outcome).Inc()
	m.confirmWait.WithLabelValues(kind).Observe(waited.Seconds())
}

func (m *Registry) IncReadRetry(method, result string) {
	if m == nil {
		return
	}
	m.readRetries.WithLabelValues(method, result).Inc()
}

func (m *Registry) IncPollTick(job, result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(job, result).Inc()
}

func (m *Registry) IncNetworkSwitch(network, trigger string) {
	if m == nil {
		return
	}
	m.networkSwitches.WithLabelValues(network, trigger).Inc()
}

func (m *Registry) IncStaleRead(source string) {
	if m == nil {
		return
	}
	m.staleReads.WithLabelValues(source).Inc()
}

func (m *Registry) IncReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

func (m *Registry) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingTxs.Set(float64(n))
}
