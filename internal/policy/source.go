package policy

import (
	"context"

	"github.com/xela07ax/agenshield/internal/domain"
)

// Source: откуда энфорсер берет правила при Refresh (Postgres, YAML-файл, статический список).
type Source interface {
	LoadRules(ctx context.Context) ([]domain.PolicyRule, error)
}

// StaticSource: фиксированный список правил.
type StaticSource []domain.PolicyRule

func (s StaticSource) LoadRules(context.Context) ([]domain.PolicyRule, error) {
	return append([]domain.PolicyRule(nil), s...), nil
}
