package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agenshield/internal/infra"
	"go.uber.org/zap"
)

// TopologyGraph: арена графа, которую синхронизируют сигналы (graph.Engine)
type TopologyGraph interface {
	Load(ctx context.Context) error
	SyncEdge(ctx context.Context, edgeID string, added bool) error
}

// TopologySync раздает изменения ребер между демонами над общим хранилищем графа.
// Локальные AddEdge/RemoveEdge уходят в канал, чужие применяются к арене.
// При каждом (пере)подключении арена сверяется с хранилищем целиком: пропущенные сигналы не теряются.
type TopologySync struct {
	rdb     *redis.Client
	graph   TopologyGraph
	logger  *zap.Logger
	publish func(ctx context.Context, payload string) error
}

func NewTopologySync(rdb *redis.Client, graph TopologyGraph, logger *zap.Logger) *TopologySync {
	s := &TopologySync{
		rdb:    rdb,
		graph:  graph,
		logger: logger.With(zap.String("mod", "graph-topology")),
	}
	s.publish = func(ctx context.Context, payload string) error {
		return s.rdb.Publish(ctx, infra.RedisChanGraphTopology, payload).Err()
	}
	return s
}

// EdgeChanged отправляет изменение ребра остальным демонам.
// Ошибка публикации не отменяет локальное изменение: остальные догонят его при переподключении.
func (s *TopologySync) EdgeChanged(ctx context.Context, edgeID string, added bool) {
	if err := s.publish(ctx, infra.TopologySignal(edgeID, added)); err != nil {
		s.logger.Warn("topology signal not published", zap.String("edge_id", edgeID), zap.Error(err))
	}
}

// StartListener подписывается на изменения топологии. Блокируется до отмены ctx.
func (s *TopologySync) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, s.rdb, s.logger, infra.RedisChanGraphTopology, s.graph.Load, func(ctx context.Context, payload string) {
		if err := s.Apply(ctx, payload); err != nil {
			s.logger.Error("topology signal not applied", zap.String("payload", payload), zap.Error(err))
		}
	})
}

// Apply обрабатывает сигнал "<edge_id>:added" или "<edge_id>:removed".
func (s *TopologySync) Apply(ctx context.Context, payload string) error {
	id, added, err := ParseTopologySignal(payload)
	if err != nil {
		return err
	}
	if err := s.graph.SyncEdge(ctx, id, added); err != nil {
		return err
	}
	s.logger.Debug("edge synced", zap.String("edge_id", id), zap.Bool("added", added))
	return nil
}

// ParseTopologySignal разбирает payload канала топологии.
func ParseTopologySignal(payload string) (edgeID string, added bool, err error) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 {
		return "", false, fmt.Errorf("expected <edge_id>:added|removed, got %q", payload)
	}
	switch payload[i+1:] {
	case "added":
		return payload[:i], true, nil
	case "removed":
		return payload[:i], false, nil
	default:
		return "", false, fmt.Errorf("unknown topology change %q", payload[i+1:])
	}
}
