package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

func TestMuxRoundTrip(t *testing.T) {
	mux := NewMux(zap.NewNop())
	mux.Handle(MethodLifecycleEnd, func(ctx context.Context, req Request) (any, error) {
		var p LifecycleEndParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.SessionID == "" && p.PID == 0 {
			return nil, &domain.ValidationError{Field: "sessionId", Message: "sessionId or pid is required"}
		}
		return LifecycleEndResult{Expired: 3}, nil
	})
	mux.Handle(MethodGraphEdgeAdd, func(ctx context.Context, req Request) (any, error) {
		return nil, &domain.CycleError{SourceID: "b", TargetID: "a"}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	n, err := c.LifecycleEnd(ctx, LifecycleEndParams{SessionID: "s1"})
	if err != nil || n != 3 {
		t.Fatalf("LifecycleEnd = %d, %v", n, err)
	}

	_, err = c.LifecycleEnd(ctx, LifecycleEndParams{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	_, err = c.AddEdge(ctx, domain.PolicyEdge{SourceNodeID: "b", TargetNodeID: "a"})
	if !errors.Is(err, domain.ErrCycle) {
		t.Errorf("expected cycle error, got %v", err)
	}

	_, err = c.RemoveEdge(ctx, "e1")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Errorf("expected method_not_found, got %v", err)
	}
}

func TestMuxRejectsBadEnvelope(t *testing.T) {
	mux := NewMux(zap.NewNop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), CodeInvalidRequest) {
		t.Errorf("bad body: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET must be rejected, got %d", rec.Code)
	}
}
