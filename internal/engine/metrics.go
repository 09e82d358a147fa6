package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полная проверка операции, включая граф и компиляцию профиля
	DecisionDuration *prometheus.HistogramVec

	// Traffic: решения демона по классу ресурса
	Decisions *prometheus.CounterVec

	// Errors: вызовы RPC по методу и коду ответа ("ok" для успеха)
	RPCRequests *prometheus.CounterVec

	// Отказы, которые не зависят от правил: graph, sandbox, rate_limit, unauthorized
	ErrorTotal *prometheus.CounterVec

	// Saturation: текущие SSE подписчики
	StreamSubscribers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agenshield_daemon_decision_duration_seconds",
			Help:    "Histogram of daemon decision latencies.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"verdict"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_daemon_decisions_total",
			Help: "Total number of daemon decisions.",
		}, []string{"target", "verdict"}),

		RPCRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_daemon_rpc_requests_total",
			Help: "RPC calls by method and result code.",
		}, []string{"method", "code"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_daemon_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		StreamSubscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_daemon_stream_subscribers",
			Help: "Current number of event stream subscribers.",
		}),
	}
}
