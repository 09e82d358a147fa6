package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"github.com/xela07ax/agenshield/internal/protocol"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// DecisionServiceName: полное имя gRPC сервиса решений
const DecisionServiceName = "agenshield.v1.DecisionService"

// JSONCodecName: content-subtype, под которым клиенты вызывают сервис ("application/grpc+json")
const JSONCodecName = "json"

// jsonCodec: сообщения сервиса: те же структуры, что и в JSON RPC, без protobuf схемы.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DecisionServiceServer: контракт gRPC сервиса решений.
type DecisionServiceServer interface {
	PolicyCheck(ctx context.Context, in *protocol.PolicyCheckParams) (*protocol.PolicyCheckResult, error)
	EventsBatch(ctx context.Context, in *protocol.EventsBatchParams) (*protocol.EventsBatchResult, error)
}

// DecisionServiceDesc описан вручную: сервис ходит через JSON кодек, сгенерированного кода нет.
var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PolicyCheck", Handler: policyCheckHandler},
		{MethodName: "EventsBatch", Handler: eventsBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agenshield/v1/decision",
}

func policyCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.PolicyCheckParams)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionServiceServer).PolicyCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + DecisionServiceName + "/PolicyCheck"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DecisionServiceServer).PolicyCheck(ctx, req.(*protocol.PolicyCheckParams))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.EventsBatchParams)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionServiceServer).EventsBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + DecisionServiceName + "/EventsBatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DecisionServiceServer).EventsBatch(ctx, req.(*protocol.EventsBatchParams))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCDecisionServer: gRPC периметр демона. Решение принимает тот же Core, что и HTTP RPC.
type GRPCDecisionServer struct {
	core    *Core
	metrics *Metrics
}

func NewGRPCDecisionServer(core *Core, metrics *Metrics) *GRPCDecisionServer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &GRPCDecisionServer{core: core, metrics: metrics}
}

func (s *GRPCDecisionServer) PolicyCheck(ctx context.Context, in *protocol.PolicyCheckParams) (*protocol.PolicyCheckResult, error) {
	if !auth.HasScope(ctx, domain.ScopePolicyCheck) {
		s.metrics.ErrorTotal.WithLabelValues("unauthorized").Inc()
		return nil, status.Errorf(codes.PermissionDenied, "token does not grant scope %s", domain.ScopePolicyCheck)
	}
	op, err := in.Op()
	if err != nil {
		return nil, grpcError(err)
	}
	res := s.core.PolicyCheck(ctx, op, in.Context)
	return &res, nil
}

func (s *GRPCDecisionServer) EventsBatch(ctx context.Context, in *protocol.EventsBatchParams) (*protocol.EventsBatchResult, error) {
	if !auth.HasScope(ctx, domain.ScopeEvents) {
		s.metrics.ErrorTotal.WithLabelValues("unauthorized").Inc()
		return nil, status.Errorf(codes.PermissionDenied, "token does not grant scope %s", domain.ScopeEvents)
	}
	return &protocol.EventsBatchResult{Accepted: s.core.Ingest(in.Events)}, nil
}

// NewGRPCServer собирает gRPC сервер: сервис решений, health и проверка токена.
func NewGRPCServer(core *Core, v auth.TokenValidator, logger *zap.Logger, metrics *Metrics) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(v, logger)))
	srv.RegisterService(&DecisionServiceDesc, NewGRPCDecisionServer(core, metrics))

	hs := health.NewServer()
	hs.SetServingStatus(DecisionServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// GRPCClient вызывает сервис решений через JSON кодек.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) PolicyCheck(ctx context.Context, p protocol.PolicyCheckParams) (*protocol.PolicyCheckResult, error) {
	out := new(protocol.PolicyCheckResult)
	err := c.conn.Invoke(ctx, "/"+DecisionServiceName+"/PolicyCheck", &p, out, grpc.CallContentSubtype(JSONCodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) EventsBatch(ctx context.Context, events []domain.InterceptorEvent) error {
	out := new(protocol.EventsBatchResult)
	return c.conn.Invoke(ctx, "/"+DecisionServiceName+"/EventsBatch",
		&protocol.EventsBatchParams{Events: events}, out, grpc.CallContentSubtype(JSONCodecName))
}

// grpcError переводит ошибку ядра в статус gRPC.
func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrCycle):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
