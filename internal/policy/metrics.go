package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/agenshield/internal/domain"
)

type Metrics struct {
	// Решения энфорсера по классу ресурса и исходу
	Evaluations *prometheus.CounterVec

	// Размер текущего снапшота и число пропущенных битых правил
	RulesLoaded  prometheus.Gauge
	RulesSkipped prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_policy_evaluations_total",
			Help: "Policy enforcer decisions by target and outcome.",
		}, []string{"target", "outcome"}), // outcome: explicit_allow, explicit_deny, default_allow, default_deny

		RulesLoaded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_policy_rules_loaded",
			Help: "Number of rules in the current snapshot.",
		}),

		RulesSkipped: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_policy_rules_skipped",
			Help: "Number of rules skipped because of invalid fields or patterns.",
		}),
	}
}

func (m *Metrics) observe(target domain.TargetType, res domain.EvaluationResult) {
	outcome := "default_"
	if res.IsExplicit() {
		outcome = "explicit_"
	}
	if res.Allowed {
		outcome += "allow"
	} else {
		outcome += "deny"
	}
	m.Evaluations.WithLabelValues(string(target), outcome).Inc()
}
