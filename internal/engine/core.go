// Package engine: демон AgenShield: ядро решений и его периметры (HTTP RPC, SSE, gRPC, Redis сигналы).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agenshield/internal/audit"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/eventbus"
	"github.com/xela07ax/agenshield/internal/graph"
	"github.com/xela07ax/agenshield/internal/protocol"
	"github.com/xela07ax/agenshield/internal/sandbox"
	"go.uber.org/zap"
)

// Evaluator: энфорсер правил (policy.Enforcer)
type Evaluator interface {
	EvaluateRule(ctx context.Context, op domain.Operation, ectx *domain.ExecutionContext) (domain.EvaluationResult, *domain.PolicyRule)
}

// Reporter: очередь аудита (audit.Reporter)
type Reporter interface {
	Report(ev domain.InterceptorEvent)
}

// Core: единый пайплайн решения демона. HTTP RPC и gRPC идут через него.
type Core struct {
	enforcer Evaluator
	graph    *graph.Engine
	profiles *sandbox.Cache
	bus      *eventbus.Bus
	reporter Reporter
	base     domain.SandboxConfig
	logger   *zap.Logger
	metrics  *Metrics
}

type CoreOption func(*Core)

// WithGraph включает каскадные эффекты для явных совпадений правил.
func WithGraph(g *graph.Engine) CoreOption {
	return func(c *Core) { c.graph = g }
}

// WithProfiles включает проверку компиляцией профиля для разрешенных exec.
func WithProfiles(p *sandbox.Cache) CoreOption {
	return func(c *Core) { c.profiles = p }
}

func WithBus(b *eventbus.Bus) CoreOption {
	return func(c *Core) { c.bus = b }
}

func WithReporter(r Reporter) CoreOption {
	return func(c *Core) { c.reporter = r }
}

// WithBaseSandbox задает ограничения, которые получает любой разрешенный exec.
func WithBaseSandbox(base domain.SandboxConfig) CoreOption {
	return func(c *Core) { c.base = base }
}

// NewCore создает ядро решений поверх энфорсера.
func NewCore(enforcer Evaluator, logger *zap.Logger, metrics *Metrics, opts ...CoreOption) *Core {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Core{
		enforcer: enforcer,
		logger:   logger.With(zap.String("mod", "core")),
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Graph: движок графа (nil, если граф выключен).
func (c *Core) Graph() *graph.Engine { return c.graph }

// PolicyCheck выносит решение: правила, затем эффекты графа, затем профиль песочницы для exec.
// Всегда возвращает allow/deny с причиной.
func (c *Core) PolicyCheck(ctx context.Context, op domain.Operation, ectx *domain.ExecutionContext) domain.EvaluationResult {
	start := time.Now()
	res, rule := c.enforcer.EvaluateRule(ctx, op, ectx)

	var grant *domain.SandboxConfig
	if res.IsExplicit() && c.graph != nil {
		out, err := c.graph.Evaluate(ctx, res.PolicyID, graph.FireInput{
			Context:   ectx,
			Operation: op.Kind(),
			Target:    op.Subject(),
		})
		if err != nil {
			// Решение правила остается в силе, применяется то, что успело примениться
			c.metrics.ErrorTotal.WithLabelValues("graph").Inc()
			c.logger.Warn("graph evaluation incomplete",
				zap.String("trace_id", extractTraceID(ctx)),
				zap.String("policy_id", res.PolicyID),
				zap.Error(err))
		}
		if out.Denied && res.Allowed {
			res.Allowed = false
			res.Reason = out.Reason
		}
		grant = out.SandboxGrant()
	}

	var sandboxErr error
	if res.Allowed && op.Kind() == domain.OpExec {
		res, sandboxErr = c.attachSandbox(ctx, res, rule, grant)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	verdict := verdictLabel(res.Allowed)
	c.metrics.Decisions.WithLabelValues(string(op.Kind().Target()), verdict).Inc()
	c.metrics.DecisionDuration.WithLabelValues(verdict).Observe(time.Since(start).Seconds())

	ev := audit.DecisionEvent(op, res)
	if sandboxErr != nil {
		ev = audit.SandboxErrorEvent(op, res, sandboxErr)
	}
	c.publish(eventbus.TypeDecision, ev)
	if c.reporter != nil {
		c.reporter.Report(ev)
	}
	return res
}

// attachSandbox собирает итоговые ограничения exec: база + правило + временные гранты графа.
// Готовый профиль правила берется как есть. Не собрался профиль: exec отклоняется.
func (c *Core) attachSandbox(ctx context.Context, res domain.EvaluationResult, rule *domain.PolicyRule, grant *domain.SandboxConfig) (domain.EvaluationResult, error) {
	var cfg *domain.SandboxConfig
	switch {
	case rule != nil && rule.Sandbox != nil && rule.Sandbox.ProfileContent != "":
		cfg = rule.Sandbox.Clone()
	case rule != nil:
		cfg = c.base.Merge(rule.Sandbox).Merge(grant)
	default:
		cfg = c.base.Merge(grant)
	}
	if !cfg.Enabled && cfg.ProfileContent == "" {
		return res, nil
	}

	if c.profiles != nil {
		p, err := c.profiles.GetOrCreate(ctx, *cfg)
		if err != nil {
			c.metrics.ErrorTotal.WithLabelValues("sandbox").Inc()
			c.logger.Error("sandbox profile rejected, denying exec",
				zap.String("trace_id", extractTraceID(ctx)),
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
	}
	res.Sandbox = cfg
	return res, nil
}

// Ingest принимает пачку событий перехватчиков: в аудит и в шину.
func (c *Core) Ingest(events []domain.InterceptorEvent) int {
	for _, ev := range events {
		c.publish(eventbus.TypeAudit, ev)
		if c.reporter != nil {
			c.reporter.Report(ev)
		}
	}
	return len(events)
}

// EndLifecycle завершает активации сессии и/или процесса.
func (c *Core) EndLifecycle(ctx context.Context, p protocol.LifecycleEndParams) (int, error) {
	if p.SessionID == "" && p.PID <= 0 {
		return 0, &domain.ValidationError{Field: "sessionId", Message: "sessionId or pid is required"}
	}
	if c.graph == nil {
		return 0, nil
	}
	total := 0
	if p.SessionID != "" {
		n, err := c.graph.EndSession(ctx, p.SessionID)
		if err != nil {
			return total, err
		}
		total += n
	}
	if p.PID > 0 {
		n, err := c.graph.EndProcess(ctx, p.PID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Core) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now().UTC(), Data: data})
}

func verdictLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
