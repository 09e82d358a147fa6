package audit

/*
Reporter: асинхронная доставка событий аудита.

- Report не блокирует горячий путь: событие кладется в ограниченную очередь под коротким мьютексом.
  При переполнении вытесняется самое старое событие.
- Флаш запускает воркер по одному из трех сигналов: тикер, порог размера (канал на 1 слот), остановка.
  Флаш забирает всю очередь одной пачкой.
- Сбой доставки возвращает пачку в голову очереди (порядок сохраняется). Попытки считаются
  на каждое событие: после MaxRetries неудачных доставок выбрасывается только само событие,
  пришедшие позже события получают свои MaxRetries попыток.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

// Sink: куда физически уходят события (демон по RPC, Postgres, лог)
type Sink interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.InterceptorEvent) error
}

type Config struct {
	MaxQueueSize   int
	FlushThreshold int
	FlushInterval  time.Duration
	MaxRetries     int
	// FlushTimeout ограничивает одну доставку, включая финальную при Stop
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 500
	}
	if c.FlushThreshold <= 0 || c.FlushThreshold > c.MaxQueueSize {
		c.FlushThreshold = min(100, c.MaxQueueSize)
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

type Reporter struct {
	cfg     Config
	sink    Sink
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	queue []domain.InterceptorEvent

	// flushMu сериализует флаши; attempts меняется только под ним
	flushMu sync.Mutex
	// attempts: неудачные доставки по ID события, только для событий из последней пачки
	attempts map[string]int

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReporter создает репортер. Воркер запускается только через Start.
func NewReporter(sink Sink, cfg Config, logger *zap.Logger, metrics *Metrics) *Reporter {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	cfg = cfg.withDefaults()
	return &Reporter{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With(zap.String("mod", "audit-reporter")),
		metrics: metrics,
		queue:   make([]domain.InterceptorEvent, 0, cfg.MaxQueueSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		r.wg.Add(1)
		go r.worker()
	})
}

// Report ставит событие в очередь и сразу возвращает управление.
func (r *Reporter) Report(ev domain.InterceptorEvent) {
	if r.closed.Load() {
		r.metrics.Dropped.WithLabelValues("stopped").Inc()
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	evicted := 0
	if len(r.queue) >= r.cfg.MaxQueueSize {
		evicted = len(r.queue) - r.cfg.MaxQueueSize + 1
		r.queue = append(r.queue[:0], r.queue[evicted:]...)
	}
	r.queue = append(r.queue, ev)
	size := len(r.queue)
	r.mu.Unlock()

	r.metrics.QueueSize.Set(float64(size))
	if evicted > 0 {
		r.metrics.Dropped.WithLabelValues("overflow").Add(float64(evicted))
	}
	if size >= r.cfg.FlushThreshold {
		// Сигнал уже стоит: воркер и так заберет всю очередь
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush доставляет всю очередь одной пачкой.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.queue
	r.queue = make([]domain.InterceptorEvent, 0, r.cfg.MaxQueueSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := r.sink.WriteBatch(ctx, batch)
	if err == nil {
		r.attempts = nil
		r.metrics.Delivered.Add(float64(len(batch)))
		r.metrics.QueueSize.Set(float64(r.Len()))
		return nil
	}
	r.metrics.FlushFailures.Inc()

	// События вне пачки были вытеснены из очереди, их счетчики не переносятся
	attempts := make(map[string]int, len(batch))
	retry := batch[:0]
	dropped := 0
	for _, ev := range batch {
		n := r.attempts[ev.ID] + 1
		if n >= r.cfg.MaxRetries {
			dropped++
			continue
		}
		attempts[ev.ID] = n
		retry = append(retry, ev)
	}
	r.attempts = attempts
	r.requeue(retry)

	if dropped > 0 {
		r.metrics.Dropped.WithLabelValues("retries").Add(float64(dropped))
		r.logger.Error("audit events dropped after repeated failures",
			zap.Int("events", dropped),
			zap.Int("attempts", r.cfg.MaxRetries),
			zap.Error(err))
		return fmt.Errorf("%d audit events dropped after %d attempts: %w", dropped, r.cfg.MaxRetries, err)
	}
	return fmt.Errorf("deliver audit batch: %w", err)
}

// requeue возвращает пачку в голову очереди. Если за время доставки пришли новые события
// и места не хватает, вытесняются самые старые.
func (r *Reporter) requeue(batch []domain.InterceptorEvent) {
	r.mu.Lock()
	merged := make([]domain.InterceptorEvent, 0, len(batch)+len(r.queue))
	merged = append(merged, batch...)
	merged = append(merged, r.queue...)
	evicted := 0
	if len(merged) > r.cfg.MaxQueueSize {
		evicted = len(merged) - r.cfg.MaxQueueSize
		merged = merged[evicted:]
	}
	r.queue = merged
	size := len(r.queue)
	r.mu.Unlock()

	r.metrics.QueueSize.Set(float64(size))
	if evicted > 0 {
		r.metrics.Dropped.WithLabelValues("overflow").Add(float64(evicted))
	}
}

// Len: число событий в очереди.
func (r *Reporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop останавливает воркер и делает последнюю попытку доставки с таймаутом.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		r.logger.Info("stopping audit reporter: flushing queue...")
		if r.started.Load() {
			close(r.stopCh)
			r.wg.Wait()
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			lost := r.Len()
			r.metrics.Dropped.WithLabelValues("stopped").Add(float64(lost))
			r.logger.Warn("final audit flush failed", zap.Int("lost", lost), zap.Error(err))
			return
		}
		r.logger.Info("audit reporter stopped gracefully")
	})
}

func (r *Reporter) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.flushCh:
			r.flush()
		case <-r.stopCh:
			// Финальный флаш делает Stop
			return
		}
	}
}

func (r *Reporter) flush() {
	// Используем Background: доставка не должна зависеть от контекста запроса, породившего событие
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("audit flush failed", zap.Error(err))
	}
}
