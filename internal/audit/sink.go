package audit

import (
	"context"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

// BatchSender: клиент, умеющий отправить events_batch (protocol.Client)
type BatchSender interface {
	EventsBatch(ctx context.Context, events []domain.InterceptorEvent) error
}

// RPCSink доставляет пачки демону через events_batch.
type RPCSink struct {
	client BatchSender
}

func NewRPCSink(client BatchSender) *RPCSink {
	return &RPCSink{client: client}
}

func (s *RPCSink) WriteBatch(ctx context.Context, events []domain.InterceptorEvent) error {
	return s.client.EventsBatch(ctx, events)
}

// LogSink пишет события в структурный лог. Используется, когда хранилище не настроено.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) WriteBatch(_ context.Context, events []domain.InterceptorEvent) error {
	for _, e := range events {
		fields := []zap.Field{
			zap.String("id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("operation", string(e.Operation)),
			zap.String("target", e.Target),
			zap.Bool("allowed", e.Allowed),
			zap.String("policy_id", e.PolicyID),
			zap.String("reason", e.Reason),
			zap.Int64("duration_ms", e.DurationMs),
			zap.Time("timestamp", e.Timestamp),
		}
		if e.Context != nil {
			fields = append(fields,
				zap.String("agent_id", e.Context.AgentID),
				zap.String("skill", e.Context.SkillSlug),
				zap.String("session_id", e.Context.SessionID),
			)
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		s.logger.Info("audit_event", fields...)
	}
	return nil
}
