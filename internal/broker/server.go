package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/agenshield/internal/protocol"
	"go.uber.org/zap"
)

// NewRPC регистрирует методы, которые брокер отдает локальным перехватчикам.
func NewRPC(b *Broker, logger *zap.Logger) *protocol.Mux {
	mux := protocol.NewMux(logger)

	mux.Handle(protocol.MethodPolicyCheck, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.PolicyCheckParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		op, err := p.Op()
		if err != nil {
			return nil, err
		}
		return b.Check(ctx, op, p.Context), nil
	})

	mux.Handle(protocol.MethodEventsBatch, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.EventsBatchParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return protocol.EventsBatchResult{Accepted: b.Ingest(p.Events)}, nil
	})

	mux.Handle(protocol.MethodLifecycleEnd, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.LifecycleEndParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		n, err := b.EndLifecycle(ctx, p)
		if err != nil {
			return nil, err
		}
		return protocol.LifecycleEndResult{Expired: n}, nil
	})

	return mux
}

// NewRouter собирает HTTP роутер брокера: /rpc, /healthz и /metrics.
func NewRouter(b *Broker, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Post("/rpc", NewRPC(b, logger).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}
