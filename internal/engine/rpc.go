package engine

import (
	"context"
	"errors"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"github.com/xela07ax/agenshield/internal/protocol"
	"go.uber.org/zap"
)

// NewRPC регистрирует методы демона. Каждый метод требует свой scope токена брокера.
// Методы графа появляются, только если граф включен.
func NewRPC(core *Core, logger *zap.Logger, metrics *Metrics) *protocol.Mux {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	mux := protocol.NewMux(logger)
	handle := func(method, scope string, h protocol.HandlerFunc) {
		mux.Handle(method, scoped(scope, metrics, h))
	}

	handle(protocol.MethodPolicyCheck, domain.ScopePolicyCheck, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.PolicyCheckParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		op, err := p.Op()
		if err != nil {
			return nil, err
		}
		return core.PolicyCheck(ctx, op, p.Context), nil
	})

	handle(protocol.MethodEventsBatch, domain.ScopeEvents, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.EventsBatchParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return protocol.EventsBatchResult{Accepted: core.Ingest(p.Events)}, nil
	})

	handle(protocol.MethodLifecycleEnd, domain.ScopeEvents, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.LifecycleEndParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		n, err := core.EndLifecycle(ctx, p)
		if err != nil {
			return nil, err
		}
		return protocol.LifecycleEndResult{Expired: n}, nil
	})

	g := core.Graph()
	if g == nil {
		return mux
	}

	handle(protocol.MethodGraphNodeEnsure, domain.ScopeGraphAdmin, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.NodeEnsureParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return g.EnsureNode(ctx, p.PolicyID, p.ScopeTarget, p.ScopeUser)
	})

	handle(protocol.MethodGraphEdgeAdd, domain.ScopeGraphAdmin, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.EdgeAddParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return g.AddEdge(ctx, p.Edge)
	})

	handle(protocol.MethodGraphEdgeRemove, domain.ScopeGraphAdmin, func(ctx context.Context, req protocol.Request) (any, error) {
		var p protocol.EdgeRemoveParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.EdgeID == "" {
			return nil, &domain.ValidationError{Field: "edgeId", Message: "edge id is required"}
		}
		err := g.RemoveEdge(ctx, p.EdgeID)
		if errors.Is(err, domain.ErrNotFound) {
			return protocol.EdgeRemoveResult{Removed: false}, nil
		}
		if err != nil {
			return nil, err
		}
		return protocol.EdgeRemoveResult{Removed: true}, nil
	})

	return mux
}

// scoped проверяет scope вызывающего и считает вызовы по коду результата.
func scoped(scope string, metrics *Metrics, h protocol.HandlerFunc) protocol.HandlerFunc {
	return func(ctx context.Context, req protocol.Request) (any, error) {
		if !auth.HasScope(ctx, scope) {
			metrics.ErrorTotal.WithLabelValues("unauthorized").Inc()
			metrics.RPCRequests.WithLabelValues(req.Method, protocol.CodeUnauthorized).Inc()
			return nil, &protocol.Error{Code: protocol.CodeUnauthorized, Message: "token does not grant scope " + scope}
		}
		res, err := h(ctx, req)
		code := "ok"
		if err != nil {
			code = protocol.ErrorFrom(err).Code
		}
		metrics.RPCRequests.WithLabelValues(req.Method, code).Inc()
		return res, err
	}
}
