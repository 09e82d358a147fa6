package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper по расписанию вычищает поглощенные и истекшие активации.
// Оценка и так отфильтровывает их на чтении, чистка нужна только для объема хранилища.
type Sweeper struct {
	engine   *Engine
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper создает чистильщик. schedule: cron-выражение или дескриптор ("@every 30s").
func NewSweeper(engine *Engine, schedule string, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With(zap.String("mod", "sweeper")),
	}
}

// Start регистрирует задачу и запускает планировщик. Пустое расписание: чистка выключена.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, sweeper disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Sweep выполняет один проход чистки.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.engine.PruneActivations(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Debug("activations pruned", zap.Int("count", n))
	}
	return n
}

// Stop останавливает планировщик и ждет текущий проход.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweeper stopped")
}
