// Package metrics holds the Prometheus instruments of the tontine service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RPCDuration        *prometheus.HistogramVec
	ContributionsTotal *prometheus.CounterVec
	ContributedNkap    prometheus.Counter
	PenaltiesTotal     *prometheus.CounterVec
	PayoutsTotal       prometheus.Counter
	PaidOutNkap        prometheus.Counter
	DrawsCompleted     prometheus.Counter
	CyclesAdvanced     prometheus.Counter
	TickDuration       prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tontine",
			Name:      "rpc_duration_seconds",
			Help:      "Duration of RPC calls by procedure and code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure", "code"}),
		ContributionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "contributions_total",
			Help:      "Contributions by method and resulting status.",
		}, []string{"method", "status"}),
		ContributedNkap: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "contributed_nkap_total",
			Help:      "Nkap credited to caisses by completed contributions.",
		}),
		PenaltiesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "penalties_total",
			Help:      "Penalties assessed by type.",
		}, []string{"type"}),
		PayoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "payouts_total",
			Help:      "Cycle payouts settled.",
		}),
		PaidOutNkap: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "paid_out_nkap_total",
			Help:      "Nkap paid to beneficiaries.",
		}),
		DrawsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "draws_completed_total",
			Help:      "Draws that produced a payout order.",
		}),
		CyclesAdvanced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "cycles_advanced_total",
			Help:      "Cycles closed and advanced.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tontine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler tick over every active tontine.",
			Buckets:   prometheus.DefBuckets,
		}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tontine",
			Name:      "notifications_total",
			Help:      "Notification deliveries by event type and outcome.",
		}, []string{"event", "outcome"}),
	}
}

// ObserveRPC records one RPC call.
func (m *Metrics) ObserveRPC(procedure, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(procedure, code).Observe(d.Seconds())
}

// Contribution records a contribution that reached status.
func (m *Metrics) Contribution(method, status string, amount int64) {
	if m == nil {
		return
	}
	m.ContributionsTotal.WithLabelValues(method, status).Inc()
	if status == "completed" {
		m.ContributedNkap.Add(float64(amount))
	}
}

// Penalty records an assessed penalty.
func (m *Metrics) Penalty(penaltyType string) {
	if m == nil {
		return
	}
	m.PenaltiesTotal.WithLabelValues(penaltyType).Inc()
}

// Payout records a settled cycle payout.
func (m *Metrics) Payout(amount int64) {
	if m == nil {
		return
	}
	m.PayoutsTotal.Inc()
	m.PaidOutNkap.Add(float64(amount))
}

// DrawCompleted records a completed draw.
func (m *Metrics) DrawCompleted() {
	if m == nil {
		return
	}
	m.DrawsCompleted.Inc()
}

// CycleAdvanced records a cycle transition.
func (m *Metrics) CycleAdvanced() {
	if m == nil {
		return
	}
	m.CyclesAdvanced.Inc()
}

// ObserveTick records the duration of one scheduler tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

// Notification records a notification outcome.
func (m *Metrics) Notification(event, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, outcome).Inc()
}
