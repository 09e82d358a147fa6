package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Итоговые решения брокера: allow/deny
	Decisions *prometheus.CounterVec

	// Обращения к демону: override, ignored_default, timeout, transport_error, rpc_error, breaker_open
	Forwards *prometheus.CounterVec

	// Состояние предохранителя (0 - закрыт, 0.5 - полуоткрыт, 1 - открыт)
	BreakerState prometheus.Gauge

	CheckDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_broker_decisions_total",
			Help: "Final broker decisions by verdict.",
		}, []string{"verdict"}),

		Forwards: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_broker_forwards_total",
			Help: "Decisions forwarded to the daemon by outcome.",
		}, []string{"outcome"}),

		BreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_broker_circuit_breaker_state",
			Help: "Daemon RPC circuit breaker state (0=closed, 0.5=half-open, 1=open).",
		}),

		CheckDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agenshield_broker_check_duration_seconds",
			Help:    "Latency of a full broker check, including the forward.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		}),
	}
}
