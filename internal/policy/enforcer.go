package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

// compiledRule: правило с заранее собранными матчерами паттернов.
type compiledRule struct {
	rule     domain.PolicyRule
	order    int // Порядок объявления, для стабильной сортировки
	ops      map[domain.OperationKind]struct{}
	matchers []patternMatcher
}

func (c *compiledRule) appliesTo(kind domain.OperationKind, ectx *domain.ExecutionContext) bool {
	if len(c.ops) > 0 {
		if _, ok := c.ops[kind]; !ok {
			return false
		}
	}
	return c.rule.Scope.Matches(ectx)
}

func (c *compiledRule) matches(subject string) bool {
	for _, m := range c.matchers {
		if m(subject) {
			return true
		}
	}
	return false
}

// ruleSet: неизменяемый снапшот правил, разложенный по классам ресурсов
// и заранее отсортированный по приоритету.
type ruleSet struct {
	byTarget map[domain.TargetType][]*compiledRule
	rules    []domain.PolicyRule
	skipped  int
}

// Enforcer: точка принятия решений по плоскому списку правил.
// Оценка работает только с RAM и без блокировок: снапшот подменяется атомарно при Load/Refresh.
type Enforcer struct {
	snapshot      atomic.Pointer[ruleSet]
	defaultAction domain.PolicyAction
	source        Source
	logger        *zap.Logger
	metrics       *Metrics
}

// NewEnforcer создает энфорсер. source может быть nil: тогда правила загружаются через Load.
func NewEnforcer(defaultAction domain.PolicyAction, source Source, logger *zap.Logger, metrics *Metrics) *Enforcer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	e := &Enforcer{
		defaultAction: defaultAction,
		source:        source,
		logger:        logger.Named("enforcer"),
		metrics:       metrics,
	}
	e.snapshot.Store(&ruleSet{byTarget: map[domain.TargetType][]*compiledRule{}})
	return e
}

// Load компилирует правила в новый снапшот и атомарно подменяет текущий.
// Битые правила (невалидные поля или паттерны) пропускаются с записью в лог; возвращается их число.
func (e *Enforcer) Load(rules []domain.PolicyRule) int {
	set := &ruleSet{
		byTarget: make(map[domain.TargetType][]*compiledRule),
		rules:    append([]domain.PolicyRule(nil), rules...),
	}

	for i, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := compileRule(i, r)
		if err != nil {
			set.skipped++
			e.logger.Warn("policy rule skipped",
				zap.String("rule_id", r.ID),
				zap.String("rule_name", r.Name),
				zap.Error(err),
			)
			continue
		}
		set.byTarget[r.Target] = append(set.byTarget[r.Target], compiled)
	}

	for _, list := range set.byTarget {
		// Приоритет по убыванию, при равенстве: порядок объявления
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].rule.Priority > list[j].rule.Priority
		})
	}

	e.snapshot.Store(set)
	e.metrics.RulesLoaded.Set(float64(len(rules)))
	e.metrics.RulesSkipped.Set(float64(set.skipped))
	e.logger.Info("policy snapshot loaded", zap.Int("count", len(rules)), zap.Int("skipped", set.skipped))
	return set.skipped
}

// Refresh выполняет «холодную загрузку» правил из источника.
func (e *Enforcer) Refresh(ctx context.Context) error {
	if e.source == nil {
		return errors.New("enforcer: no rule source configured")
	}
	rules, err := e.source.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("enforcer: load rules: %w", err)
	}
	e.Load(rules)
	return nil
}

// Rules возвращает копию правил текущего снапшота.
func (e *Enforcer) Rules() []domain.PolicyRule {
	return append([]domain.PolicyRule(nil), e.snapshot.Load().rules...)
}

// DefaultAction: действие, применяемое при отсутствии совпадений.
func (e *Enforcer) DefaultAction() domain.PolicyAction {
	return e.defaultAction
}

// Evaluate выносит решение по операции.
func (e *Enforcer) Evaluate(ctx context.Context, op domain.Operation, ectx *domain.ExecutionContext) domain.EvaluationResult {
	res, _ := e.EvaluateRule(ctx, op, ectx)
	return res
}

// EvaluateRule: то же, что Evaluate, но дополнительно отдает совпавшее правило (nil для default).
// Первое совпадение в порядке приоритета выигрывает.
func (e *Enforcer) EvaluateRule(_ context.Context, op domain.Operation, ectx *domain.ExecutionContext) (domain.EvaluationResult, *domain.PolicyRule) {
	start := time.Now()
	kind := op.Kind()
	target := kind.Target()
	subject := op.Subject()

	set := e.snapshot.Load()
	for _, c := range set.byTarget[target] {
		if !c.appliesTo(kind, ectx) || !c.matches(subject) {
			continue
		}
		allowed, reason := c.rule.Decide()
		res := domain.EvaluationResult{
			Allowed:          allowed,
			PolicyID:         c.rule.ID,
			Reason:           reason,
			DurationMs:       time.Since(start).Milliseconds(),
			ExecutionContext: ectx,
		}
		e.metrics.observe(target, res)
		rule := c.rule
		return res, &rule
	}

	res := domain.EvaluationResult{
		Allowed:          e.defaultAction == domain.ActionAllow,
		Reason:           fmt.Sprintf("no matching policy, default %s", e.defaultAction),
		DurationMs:       time.Since(start).Milliseconds(),
		ExecutionContext: ectx,
	}
	e.metrics.observe(target, res)
	return res, nil
}

func compileRule(order int, r domain.PolicyRule) (*compiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if len(r.Patterns) == 0 {
		return nil, &domain.ValidationError{Field: "patterns", Message: "at least one pattern is required"}
	}

	c := &compiledRule{rule: r, order: order}
	if len(r.Operations) > 0 {
		c.ops = make(map[domain.OperationKind]struct{}, len(r.Operations))
		for _, op := range r.Operations {
			c.ops[op] = struct{}{}
		}
	}
	for _, p := range r.Patterns {
		m, err := compilePattern(r.Target, p)
		if err != nil {
			return nil, &domain.MatchError{RuleID: r.ID, Pattern: p, Cause: err}
		}
		c.matchers = append(c.matchers, m)
	}
	return c, nil
}
