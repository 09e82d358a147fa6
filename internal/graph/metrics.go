package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Сработавшие ребра (созданные активации) по эффекту
	EdgesFired *prometheus.CounterVec
	// Эффекты, примененные к оценке или к состоянию узла
	EffectsApplied *prometheus.CounterVec

	CyclesRejected  prometheus.Counter
	ConditionErrors prometheus.Counter
	// Каскад оборван по лимиту глубины
	CascadeTruncated prometheus.Counter

	ActivationsPruned prometheus.Counter
	PendingEffects    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EdgesFired: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_graph_edges_fired_total",
			Help: "Policy graph edges fired, by effect.",
		}, []string{"effect"}),

		EffectsApplied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_graph_effects_applied_total",
			Help: "Policy graph effects applied, by effect.",
		}, []string{"effect"}),

		CyclesRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_graph_cycles_rejected_total",
			Help: "Edge insertions rejected because they would create a cycle.",
		}),

		ConditionErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_graph_condition_errors_total",
			Help: "Edges skipped because their condition failed to parse or evaluate.",
		}),

		CascadeTruncated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_graph_cascade_truncated_total",
			Help: "Cascades stopped at the maximum depth.",
		}),

		ActivationsPruned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_graph_activations_pruned_total",
			Help: "Consumed or expired activations removed by the sweeper.",
		}),

		PendingEffects: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_graph_pending_effects",
			Help: "Delayed effects waiting for their timer.",
		}),
	}
}
