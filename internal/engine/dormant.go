package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/graph"
	"github.com/xela07ax/agenshield/internal/infra"
	"go.uber.org/zap"
)

// DormantGraph: хранилище флага "спящий" узла (graph.Engine)
type DormantGraph interface {
	SetDormant(ctx context.Context, nodeID string, dormant bool) error
	Nodes(ctx context.Context, f graph.NodeFilter) ([]domain.PolicyNode, error)
}

// DormantSwitch: оперативный рубильник узлов графа: спящий узел не запускает свои ребра.
// Состояние кластера живет в Redis множестве, изменения приходят сигналами Pub/Sub.
type DormantSwitch struct {
	mu      sync.RWMutex
	dormant map[string]struct{}
	rdb     *redis.Client
	graph   DormantGraph
	logger  *zap.Logger
	publish func(ctx context.Context, nodeID string, dormant bool) error
}

func NewDormantSwitch(rdb *redis.Client, graph DormantGraph, logger *zap.Logger) *DormantSwitch {
	m := &DormantSwitch{
		dormant: make(map[string]struct{}),
		rdb:     rdb,
		graph:   graph,
		logger:  logger.With(zap.String("mod", "dormant-switch")),
	}
	if rdb != nil {
		m.publish = func(ctx context.Context, nodeID string, dormant bool) error {
			return PublishDormant(ctx, rdb, nodeID, dormant)
		}
	}
	return m
}

// Init сверяет граф с множеством спящих узлов кластера (старт и переподключение).
// Пустое множество сначала прогревается из хранилища графа.
func (m *DormantSwitch) Init(ctx context.Context) error {
	nodes, err := m.graph.Nodes(ctx, graph.NodeFilter{})
	if err != nil {
		return fmt.Errorf("list graph nodes: %w", err)
	}
	if err := WarmupDormant(ctx, m.rdb, m.logger, nodes); err != nil {
		m.logger.Warn("dormant warmup failed", zap.Error(err))
	}
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyDormantSet).Result()
	if err != nil {
		return fmt.Errorf("load dormant set: %w", err)
	}
	m.Reconcile(ctx, nodes, ids)
	return nil
}

// Reconcile приводит флаги узлов к множеству кластера в обе стороны: узел из множества
// засыпает, узел вне множества просыпается. Пустое множество при спящих узлах в хранилище
// значит, что Redis потерял состояние и прогрев еще не прошел: такие узлы не будятся.
func (m *DormantSwitch) Reconcile(ctx context.Context, nodes []domain.PolicyNode, members []string) {
	want := make(map[string]struct{}, len(members))
	for _, id := range members {
		want[id] = struct{}{}
		m.mark(id, true)
	}
	lost := len(members) == 0

	changed := 0
	for _, n := range nodes {
		_, dormant := want[n.ID]
		if lost && n.Dormant {
			dormant = true
		}
		if n.Dormant == dormant {
			m.mark(n.ID, dormant)
			continue
		}
		if err := m.set(ctx, n.ID, dormant); err != nil {
			m.logger.Warn("dormant node not reconciled", zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		changed++
	}
	if changed > 0 {
		m.logger.Info("dormant state reconciled", zap.Int("changed", changed), zap.Int("dormant", len(members)))
	}
}

// NodeWoken: эффект activate разбудил узел в хранилище. Узел снимается с множества кластера,
// иначе следующая сверка снова усыпила бы его.
func (m *DormantSwitch) NodeWoken(ctx context.Context, nodeID string) {
	m.mark(nodeID, false)
	if m.publish == nil {
		return
	}
	if err := m.publish(ctx, nodeID, false); err != nil {
		m.logger.Warn("wake signal not published", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// StartListener подписывается на сигналы рубильника. Блокируется до отмены ctx.
func (m *DormantSwitch) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanGraphDormant, m.Init, func(ctx context.Context, payload string) {
		if err := m.Apply(ctx, payload); err != nil {
			m.logger.Error("invalid dormant signal", zap.String("payload", payload), zap.Error(err))
		}
	})
}

// Apply обрабатывает сигнал "<node_id>:on" или "<node_id>:off".
func (m *DormantSwitch) Apply(ctx context.Context, payload string) error {
	id, dormant, err := ParseDormantSignal(payload)
	if err != nil {
		return err
	}
	if err := m.set(ctx, id, dormant); err != nil {
		return err
	}
	m.logger.Info("node dormant state changed", zap.String("node_id", id), zap.Bool("dormant", dormant))
	return nil
}

func (m *DormantSwitch) set(ctx context.Context, id string, dormant bool) error {
	if err := m.graph.SetDormant(ctx, id, dormant); err != nil {
		return err
	}
	m.mark(id, dormant)
	return nil
}

func (m *DormantSwitch) mark(id string, dormant bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dormant {
		m.dormant[id] = struct{}{}
	} else {
		delete(m.dormant, id)
	}
}

// IsDormant: локальный взгляд на рубильник (без похода в хранилище).
func (m *DormantSwitch) IsDormant(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dormant[nodeID]
	return ok
}

// ParseDormantSignal разбирает payload рубильника.
func ParseDormantSignal(payload string) (nodeID string, dormant bool, err error) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 {
		return "", false, fmt.Errorf("expected <node_id>:on|off, got %q", payload)
	}
	switch payload[i+1:] {
	case "on", "true":
		return payload[:i], true, nil
	case "off", "false":
		return payload[:i], false, nil
	default:
		return "", false, fmt.Errorf("unknown dormant state %q", payload[i+1:])
	}
}

// PublishDormant меняет состояние узла для всего кластера: множество + сигнал.
func PublishDormant(ctx context.Context, rdb *redis.Client, nodeID string, dormant bool) error {
	pipe := rdb.TxPipeline()
	if dormant {
		pipe.SAdd(ctx, infra.RedisKeyDormantSet, nodeID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyDormantSet, nodeID)
	}
	pipe.Publish(ctx, infra.RedisChanGraphDormant, infra.DormantSignal(nodeID, dormant))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish dormant signal: %w", err)
	}
	return nil
}
