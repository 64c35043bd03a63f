// Package metrics holds the prometheus collectors of the settlement engine.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "splitpay_"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	outcomes     *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	rebuilds     prometheus.Counter
	stageLatency *prometheus.HistogramVec
	reconciled   *prometheus.CounterVec
	rpcRequests  *prometheus.CounterVec
}

// PendingCounter reports queued reconciliations for the pending gauge.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// New creates the collectors and registers them with reg. pending may be nil.
func New(reg prometheus.Registerer, pending PendingCounter, logger *slog.Logger) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_outcomes_total",
				Help: "Settlement attempts by terminal state and error kind",
			},
			[]string{"state", "kind"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_submissions_total",
				Help: "Signed transfer submissions by result",
			},
			[]string{"result"},
		),
		rebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "transfer_rebuilds_total",
				Help: "Transfers rebuilt after a stale block reference",
			},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "stage_latency_seconds",
				Help:    "Time spent in each settlement stage",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconciliations_total",
				Help: "Reconciliation tries by kind and result",
			},
			[]string{"kind", "result"},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rpc_requests_total",
				Help: "Connect RPCs by procedure and code",
			},
			[]string{"procedure", "code"},
		),
	}

	reg.MustRegister(m.outcomes, m.broadcasts, m.rebuilds, m.stageLatency, m.reconciled, m.rpcRequests)

	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "reconciliations_pending",
				Help: "Pending reconciliation queue entries",
			},
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				n, err := pending.CountPending(ctx)
				if err != nil {
					if logger != nil {
						logger.Warn("Metrics query failed", "error", err)
					}
					return 0
				}
				return float64(n)
			},
		))
	}
	return m
}

// Outcome counts a terminal attempt.
func (m *Metrics) Outcome(state, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.outcomes.WithLabelValues(state, kind).Inc()
}

// Broadcast counts one submission try.
func (m *Metrics) Broadcast(result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(result).Inc()
}

// Rebuild counts a rebuild after a stale block reference.
func (m *Metrics) Rebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// Stage observes the time spent in stage since start.
func (m *Metrics) Stage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Reconciled counts one reconciliation try.
func (m *Metrics) Reconciled(kind, result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(kind, result).Inc()
}

// RPC counts one Connect request.
func (m *Metrics) RPC(procedure, code string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(procedure, code).Inc()
}
