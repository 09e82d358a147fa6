package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agenshield/internal/infra"
	"github.com/xela07ax/agenshield/internal/protocol"
	"go.uber.org/zap"
)

// maxResubscribeDelay ограничивает экспоненциальную паузу между попытками подписки
const maxResubscribeDelay = 10 * time.Second

// ListenStateResilient: универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения (с бэкоффом), логирование и передачу сигналов обработчику.
// Возвращается только по отмене ctx.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error, // Синхронизация при каждом (пере)подключении, может быть nil
	onMessage func(ctx context.Context, payload string),
) {
	log := logger.With(zap.String("chan", channel))

	for {
		var pubsub *redis.PubSub
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(5),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return min(retry.BackOffDelay(n, err, config), maxResubscribeDelay)
			}),
		)
		err := r.Do(func() error {
			ps := rdb.Subscribe(ctx, channel)
			// Проверка успешности подписки
			if _, err := ps.Receive(ctx); err != nil {
				ps.Close()
				log.Warn("failed to subscribe", zap.Error(err))
				return err
			}
			pubsub = ps
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("subscribe attempts exhausted, starting over", zap.Error(err))
			continue
		}

		// Вызываем синхронизацию при каждом успешном коннекте: сигналы, пришедшие без нас, потеряны
		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				log.Error("sync failed on reconnect", zap.Error(err))
			}
		}
		log.Info("redis listener subscribed")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(ctx, msg.Payload)
			}
		}

		pubsub.Close()
		log.Warn("redis listener disconnected, resubscribing")
	}
}

// RuleRefresher: то, что перечитывает правила (policy.Enforcer)
type RuleRefresher interface {
	Refresh(ctx context.Context) error
}

// ListenPolicyUpdates перечитывает правила по сигналу и при каждом переподключении.
func ListenPolicyUpdates(ctx context.Context, rdb *redis.Client, logger *zap.Logger, rules RuleRefresher) {
	refresh := func(ctx context.Context) error {
		return rules.Refresh(ctx)
	}
	ListenStateResilient(ctx, rdb, logger, infra.RedisChanPolicyUpdate, refresh, func(ctx context.Context, _ string) {
		if err := rules.Refresh(ctx); err != nil {
			logger.Error("policy refresh failed, previous snapshot stays", zap.Error(err))
		}
	})
}

// ListenLifecycle завершает активации графа по сигналам "session:<id>" и "process:<pid>".
func ListenLifecycle(ctx context.Context, rdb *redis.Client, logger *zap.Logger, core *Core) {
	ListenStateResilient(ctx, rdb, logger, infra.RedisChanLifecycle, nil, func(ctx context.Context, payload string) {
		p, err := ParseLifecycleSignal(payload)
		if err != nil {
			logger.Error("invalid signal format", zap.String("payload", payload), zap.Error(err))
			return
		}
		if _, err := core.EndLifecycle(ctx, p); err != nil {
			logger.Error("lifecycle signal failed", zap.String("payload", payload), zap.Error(err))
		}
	})
}

// ParseLifecycleSignal разбирает payload канала lifecycle.
func ParseLifecycleSignal(payload string) (protocol.LifecycleEndParams, error) {
	kind, value, ok := strings.Cut(payload, ":")
	if !ok || value == "" {
		return protocol.LifecycleEndParams{}, fmt.Errorf("expected <kind>:<value>, got %q", payload)
	}
	switch kind {
	case "session":
		return protocol.LifecycleEndParams{SessionID: value}, nil
	case "process":
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			return protocol.LifecycleEndParams{}, fmt.Errorf("bad pid %q", value)
		}
		return protocol.LifecycleEndParams{PID: pid}, nil
	default:
		return protocol.LifecycleEndParams{}, fmt.Errorf("unknown signal kind %q", kind)
	}
}
