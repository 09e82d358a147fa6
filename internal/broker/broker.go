// Package broker: локальная точка принятия решений рядом с перехватчиками.
// Решает сам, при необходимости сверяется с демоном и собирает профиль песочницы для exec.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agenshield/internal/audit"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/protocol"
	"github.com/xela07ax/agenshield/internal/sandbox"
	"go.uber.org/zap"
)

// Evaluator: локальный энфорсер (policy.Enforcer)
type Evaluator interface {
	EvaluateRule(ctx context.Context, op domain.Operation, ectx *domain.ExecutionContext) (domain.EvaluationResult, *domain.PolicyRule)
}

// Reporter: очередь аудита (audit.Reporter)
type Reporter interface {
	Report(ev domain.InterceptorEvent)
}

// LifecycleClient доставляет демону сигналы завершения сессий и процессов.
type LifecycleClient interface {
	LifecycleEnd(ctx context.Context, p protocol.LifecycleEndParams) (int, error)
}

type Config struct {
	// ConfirmDefaultAllow: отправлять демону и default-allow: явное правило демона может его ужесточить
	ConfirmDefaultAllow bool
	// BaseSandbox: ограничения, которые получает любой разрешенный exec
	BaseSandbox domain.SandboxConfig
}

type Broker struct {
	enforcer  Evaluator
	forwarder *Forwarder
	profiles  *sandbox.Cache
	reporter  Reporter
	lifecycle LifecycleClient
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
}

type Option func(*Broker)

// WithForwarder включает сверку с демоном. Без него брокер решает только локально.
func WithForwarder(f *Forwarder) Option {
	return func(b *Broker) { b.forwarder = f }
}

// WithProfiles включает компиляцию профилей песочницы для exec.
func WithProfiles(c *sandbox.Cache) Option {
	return func(b *Broker) { b.profiles = c }
}

func WithReporter(r Reporter) Option {
	return func(b *Broker) { b.reporter = r }
}

func WithLifecycle(c LifecycleClient) Option {
	return func(b *Broker) { b.lifecycle = c }
}

// New создает брокер поверх локального энфорсера.
func New(enforcer Evaluator, cfg Config, logger *zap.Logger, metrics *Metrics, opts ...Option) *Broker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	b := &Broker{
		enforcer: enforcer,
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "broker")),
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check выносит окончательное решение по операции: всегда allow/deny с причиной.
func (b *Broker) Check(ctx context.Context, op domain.Operation, ectx *domain.ExecutionContext) domain.EvaluationResult {
	start := time.Now()
	defer func() { b.metrics.CheckDuration.Observe(time.Since(start).Seconds()) }()

	local, rule := b.enforcer.EvaluateRule(ctx, op, ectx)
	res := local
	overridden := false

	if b.shouldForward(local) {
		if remote := b.forwarder.ForwardDecision(ctx, op, local); remote != nil {
			res, rule, overridden = *remote, nil, true
		}
	}

	var sandboxErr error
	if res.Allowed && op.Kind() == domain.OpExec && b.profiles != nil {
		res, sandboxErr = b.attachSandbox(ctx, res, rule)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	b.metrics.Decisions.WithLabelValues(verdict(res.Allowed)).Inc()
	b.report(op, local, res, overridden, sandboxErr)
	return res
}

func (b *Broker) shouldForward(local domain.EvaluationResult) bool {
	if b.forwarder == nil {
		return false
	}
	if !local.Allowed {
		return true
	}
	return b.cfg.ConfirmDefaultAllow && local.IsDefaultAllow()
}

// attachSandbox собирает профиль для разрешенного exec. Не собрался профиль: операция отклоняется.
func (b *Broker) attachSandbox(ctx context.Context, res domain.EvaluationResult, rule *domain.PolicyRule) (domain.EvaluationResult, error) {
	cfg := b.sandboxConfig(res, rule)
	if !cfg.Enabled && cfg.ProfileContent == "" {
		return res, nil
	}
	p, err := b.profiles.GetOrCreate(ctx, *cfg)
	if err != nil {
		b.logger.Error("sandbox profile rejected, denying exec",
			zap.String("policy_id", res.PolicyID),
			zap.Error(err))
		return domain.EvaluationResult{
			Allowed:          false,
			PolicyID:         res.PolicyID,
			Reason:           fmt.Sprintf("sandbox profile: %v", err),
			ExecutionContext: res.ExecutionContext,
		}, err
	}
	cfg.ProfilePath = p.Path
	res.Sandbox = cfg
	return res, nil
}

// sandboxConfig: готовый профиль правила или демона берется как есть, иначе база + ограничения правила.
func (b *Broker) sandboxConfig(res domain.EvaluationResult, rule *domain.PolicyRule) *domain.SandboxConfig {
	if res.Sandbox != nil {
		if res.Sandbox.ProfileContent != "" {
			return res.Sandbox.Clone()
		}
		return b.cfg.BaseSandbox.Merge(res.Sandbox)
	}
	if rule != nil && rule.Sandbox != nil {
		if rule.Sandbox.ProfileContent != "" {
			return rule.Sandbox.Clone()
		}
		return b.cfg.BaseSandbox.Merge(rule.Sandbox)
	}
	return b.cfg.BaseSandbox.Merge(nil)
}

func (b *Broker) report(op domain.Operation, local, res domain.EvaluationResult, overridden bool, sandboxErr error) {
	if b.reporter == nil {
		return
	}
	var ev domain.InterceptorEvent
	switch {
	case sandboxErr != nil:
		ev = audit.SandboxErrorEvent(op, res, sandboxErr)
	case overridden:
		ev = audit.OverrideEvent(op, local, res)
	default:
		ev = audit.DecisionEvent(op, res)
	}
	b.reporter.Report(ev)
}

// Ingest принимает события от перехватчиков и ставит их в общую очередь аудита.
func (b *Broker) Ingest(events []domain.InterceptorEvent) int {
	if b.reporter == nil {
		return 0
	}
	for _, ev := range events {
		b.reporter.Report(ev)
	}
	return len(events)
}

// EndLifecycle передает демону завершение сессии/процесса: активации графа живут там.
func (b *Broker) EndLifecycle(ctx context.Context, p protocol.LifecycleEndParams) (int, error) {
	if p.SessionID == "" && p.PID <= 0 {
		return 0, &domain.ValidationError{Field: "sessionId", Message: "sessionId or pid is required"}
	}
	if b.lifecycle == nil {
		return 0, nil
	}
	return b.lifecycle.LifecycleEnd(ctx, p)
}

func verdict(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
