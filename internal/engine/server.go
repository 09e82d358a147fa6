package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/eventbus"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// streamKeepalive: период комментария-пинга в SSE, чтобы прокси не рвали тихое соединение
const streamKeepalive = 15 * time.Second

// RouterDeps: периметр HTTP демона. Нулевые поля выключают соответствующую часть.
type RouterDeps struct {
	Validator auth.TokenValidator
	Limiter   *rate.Limiter
	Bus       *eventbus.Bus
	Registry  *prometheus.Registry
	// RPCTimeout ограничивает один вызов /rpc (SSE им не ограничивается)
	RPCTimeout time.Duration
	// Admin: read-only админка (console.Handler.Routes), монтируется под /v1/admin
	Admin http.Handler
}

// NewRouter собирает HTTP роутер демона: /rpc, /v1/events, /v1/admin, /healthz и /metrics.
func NewRouter(core *Core, deps RouterDeps, logger *zap.Logger, metrics *Metrics) http.Handler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if deps.RPCTimeout <= 0 {
		deps.RPCTimeout = 5 * time.Second
	}
	log := logger.With(zap.String("mod", "http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Порядок важен: Trace -> Auth -> RateLimit -> RPC
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(deps.Validator, log))

		r.With(
			RateLimitMiddleware(deps.Limiter, log, metrics),
			middleware.Timeout(deps.RPCTimeout),
		).Post("/rpc", NewRPC(core, logger, metrics).ServeHTTP)

		if deps.Bus != nil {
			r.Get("/v1/events", StreamEvents(deps.Bus, log, metrics))
		}
		if deps.Admin != nil {
			r.Mount("/v1/admin", deps.Admin)
		}
	})
	return r
}

// StreamEvents отдает события шины как Server-Sent Events.
// Подписка живет ровно столько, сколько живет запрос: ?types=a,b фильтрует по типу.
func StreamEvents(bus *eventbus.Bus, logger *zap.Logger, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.HasScope(r.Context(), domain.ScopeEvents) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var types []string
		if q := r.URL.Query().Get("types"); q != "" {
			types = strings.Split(q, ",")
		}
		sub := bus.Subscribe(types...)
		defer sub.Close()

		metrics.StreamSubscribers.Inc()
		defer metrics.StreamSubscribers.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepalive := time.NewTicker(streamKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					logger.Warn("event not serializable", zap.String("type", ev.Type), zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	}
}
