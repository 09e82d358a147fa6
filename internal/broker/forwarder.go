package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/protocol"
	"go.uber.org/zap"
)

// Decider: удаленный арбитр (protocol.Client к демону)
type Decider interface {
	PolicyCheck(ctx context.Context, p protocol.PolicyCheckParams) (*protocol.PolicyCheckResult, error)
}

// Forwarder спрашивает демона о локально принятом решении и доверяет только явным вердиктам.
//
// Ответ демона принимается как замена, только если в нем есть PolicyID (совпало явное правило).
// Default-allow демона ничего не значит и локальное решение не ослабляет.
// Любой сбой (сеть, таймаут, не-2xx, мусор, открытый предохранитель) оставляет локальное решение.
type Forwarder struct {
	client  Decider
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

func NewForwarder(client Decider, timeout time.Duration, logger *zap.Logger, metrics *Metrics) *Forwarder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if timeout <= 0 {
		timeout = protocol.DefaultTimeout
	}
	log := logger.With(zap.String("mod", "forwarder"))

	// Настройка предохранителя: демон лежит: не ждем таймаут на каждой операции
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "daemon-rpc",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Ошибка уровня RPC означает, что демон жив и ответил
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(breakerStateValue(to))
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Forwarder{
		client:  client,
		cb:      cb,
		timeout: timeout,
		logger:  log,
		metrics: metrics,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// ForwardDecision возвращает явный вердикт демона или nil, если локальное решение остается в силе.
// Вызов ограничен таймаутом: по его истечении запрос бросается, поздний ответ выбрасывается.
func (f *Forwarder) ForwardDecision(ctx context.Context, op domain.Operation, local domain.EvaluationResult) *domain.EvaluationResult {
	params := protocol.PolicyCheckParams{
		Operation: op.Kind(),
		Target:    op.Subject(),
		Context:   local.ExecutionContext,
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	v, err := f.cb.Execute(func() (interface{}, error) {
		return f.client.PolicyCheck(ctx, params)
	})
	if err != nil {
		outcome := classify(err)
		f.metrics.Forwards.WithLabelValues(outcome).Inc()
		f.logger.Warn("daemon decision unavailable, local decision stands",
			zap.String("operation", string(params.Operation)),
			zap.String("outcome", outcome),
			zap.Bool("local_allowed", local.Allowed),
			zap.Error(err))
		return nil
	}

	remote, _ := v.(*protocol.PolicyCheckResult)
	if !remote.IsExplicit() {
		f.metrics.Forwards.WithLabelValues("ignored_default").Inc()
		return nil
	}

	f.metrics.Forwards.WithLabelValues("override").Inc()
	out := *remote
	if out.ExecutionContext == nil {
		out.ExecutionContext = local.ExecutionContext
	}
	return &out
}

func classify(err error) string {
	var rpcErr *protocol.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	default:
		return "transport_error"
	}
}
