package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Обращения к кэшу профилей: hit (память), disk (файл с прошлого запуска), miss (компиляция)
	Lookups *prometheus.CounterVec

	CompileErrors   prometheus.Counter
	CompileDuration prometheus.Histogram
	Entries         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agenshield_sandbox_cache_lookups_total",
			Help: "Sandbox profile cache lookups by result.",
		}, []string{"result"}),

		CompileErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agenshield_sandbox_compile_errors_total",
			Help: "Sandbox configs that could not be compiled.",
		}),

		CompileDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agenshield_sandbox_compile_duration_seconds",
			Help:    "Time spent rendering a sandbox profile.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		}),

		Entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agenshield_sandbox_cache_entries",
			Help: "Compiled profiles held in memory.",
		}),
	}
}
