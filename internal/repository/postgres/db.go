package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agenshield/internal/infra"
	"go.uber.org/zap"
)

// Connect открывает пул соединений и дожидается, пока база ответит на Ping.
// База в контейнере часто поднимается позже демона, поэтому подключение повторяется с бэкоффом.
func Connect(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	pc.MaxConnLifetime = 5 * time.Minute

	var pool *pgxpool.Pool
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(retry.BackOffDelay),
	)
	err = r.Do(func() error {
		p, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			logger.Warn("postgres is not ready, retrying", zap.Error(err))
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	logger.Info("postgres connected", zap.Int32("max_conns", pc.MaxConns))
	return pool, nil
}
