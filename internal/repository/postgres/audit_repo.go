package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agenshield/internal/domain"
)

// auditFields: количество колонок в таблице audit_events
const auditFields = 11

// AuditRepo: sink репортера аудита: одна пачка событий, один INSERT.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []domain.InterceptorEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, args, err := buildBatchInsert(events)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// buildBatchInsert динамически строит запрос пакетной вставки.
// Повторная доставка той же пачки после сбоя не дублирует строки (ON CONFLICT по id).
func buildBatchInsert(events []domain.InterceptorEvent) (string, []any, error) {
	var placeholders strings.Builder
	args := make([]any, 0, len(events)*auditFields)

	for i, e := range events {
		if i > 0 {
			placeholders.WriteString(", ")
		}
		p := i * auditFields
		placeholders.WriteString("(")
		for f := 1; f <= auditFields; f++ {
			if f > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", p+f)
		}
		placeholders.WriteString(")")

		var execCtx []byte
		if e.Context != nil {
			var err error
			if execCtx, err = json.Marshal(e.Context); err != nil {
				return "", nil, fmt.Errorf("marshal context of event %s: %w", e.ID, err)
			}
		}

		args = append(args,
			e.ID, string(e.Type), string(e.Operation), e.Target, e.Allowed,
			e.PolicyID, e.Reason, e.DurationMs, execCtx, e.Timestamp, e.Error,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_events (id, type, operation, target, allowed, policy_id, reason, duration_ms, context, timestamp, error) VALUES %s ON CONFLICT (id) DO NOTHING",
		placeholders.String(),
	)
	return query, args, nil
}
