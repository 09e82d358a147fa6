package postgres

/*
Файл rule_repo.go поставляет снапшот включенных правил энфорсеру.
Правила хранятся в PostgreSQL, проверяются в памяти: репозиторий читается только при старте
и по сигналу policy-update.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agenshield/internal/domain"
)

type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

// ruleRecord: строка таблицы policy_rules как она лежит в базе
type ruleRecord struct {
	ID         string
	Name       string
	Action     string
	Target     string
	Operations []string
	Patterns   []string
	Priority   int
	ScopeAgent *string
	ScopeSkill *string
	Sandbox    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// toRule собирает доменное правило из строки. Битый sandbox: ошибка правила, а не всего снапшота.
func (rec ruleRecord) toRule() (domain.PolicyRule, error) {
	r := domain.PolicyRule{
		ID:        rec.ID,
		Name:      rec.Name,
		Action:    domain.PolicyAction(rec.Action),
		Target:    domain.TargetType(rec.Target),
		Patterns:  rec.Patterns,
		Enabled:   true,
		Priority:  rec.Priority,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, op := range rec.Operations {
		r.Operations = append(r.Operations, domain.OperationKind(op))
	}

	var scope domain.RuleScope
	if rec.ScopeAgent != nil {
		scope.AgentID = *rec.ScopeAgent
	}
	if rec.ScopeSkill != nil {
		scope.SkillSlug = *rec.ScopeSkill
	}
	if scope != (domain.RuleScope{}) {
		r.Scope = &scope
	}

	if len(rec.Sandbox) > 0 && string(rec.Sandbox) != "null" {
		var sb domain.SandboxConfig
		if err := json.Unmarshal(rec.Sandbox, &sb); err != nil {
			return domain.PolicyRule{}, &domain.ValidationError{Field: "sandbox", Message: fmt.Sprintf("rule %s: %v", rec.ID, err)}
		}
		r.Sandbox = &sb
	}
	return r, nil
}

// LoadRules выполняет "холодную загрузку" всех включенных правил.
func (r *RuleRepo) LoadRules(ctx context.Context) ([]domain.PolicyRule, error) {
	query := `
		SELECT id, name, action, target, operations, patterns, priority,
		       scope_agent_id, scope_skill_slug, sandbox, created_at, updated_at
		FROM policy_rules
		WHERE enabled
		ORDER BY priority DESC, created_at, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load rules: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ruleRecord, error) {
		var rec ruleRecord
		err := row.Scan(&rec.ID, &rec.Name, &rec.Action, &rec.Target, &rec.Operations, &rec.Patterns, &rec.Priority,
			&rec.ScopeAgent, &rec.ScopeSkill, &rec.Sandbox, &rec.CreatedAt, &rec.UpdatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rules: %w", err)
	}

	rules := make([]domain.PolicyRule, 0, len(records))
	for _, rec := range records {
		rule, err := rec.toRule()
		if err != nil {
			// Одно битое правило не валит снапшот
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
