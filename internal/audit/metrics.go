package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Заполненность очереди (backpressure)
	QueueSize prometheus.Gauge

	Delivered     prometheus.Counter
	FlushFailures prometheus.Counter

	// Потерянные события: overflow (вытеснены из очереди), retries (исчерпаны попытки), stopped (после Stop)
	Dropped *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		QueueSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_audit_queue_size",
			Help: "Current number of events waiting for delivery.",
		}),

		Delivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_audit_delivered_total",
			Help: "Events delivered to the audit sink.",
		}),

		FlushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_audit_flush_failures_total",
			Help: "Failed batch deliveries.",
		}),

		Dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_audit_dropped_total",
			Help: "Events lost by reason.",
		}, []string{"reason"}),
	}
}
