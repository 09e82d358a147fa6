package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/infra"
	"go.uber.org/zap"
)

// WarmupDormant заливает спящие узлы из хранилища графа в Redis множество, если Redis пуст
// (новый инстанс Redis после сбоя). Иначе рестарт демонов разбудил бы узлы, усыпленные в БД.
func WarmupDormant(ctx context.Context, rdb *redis.Client, logger *zap.Logger, nodes []domain.PolicyNode) error {
	var ids []string
	for _, n := range nodes {
		if n.Dormant {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	// Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, infra.RedisKeyDormantWarmupLock, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет множество
	}

	count, err := rdb.SCard(ctx, infra.RedisKeyDormantSet).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check dormant set size, proceeding with warm-up", zap.Error(err))
	}
	if count > 0 {
		return nil
	}

	logger.Info("dormant set is empty, performing warm-up from graph store", zap.Int("count", len(ids)))
	pipe := rdb.Pipeline()
	for _, id := range ids {
		pipe.SAdd(ctx, infra.RedisKeyDormantSet, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
