package postgres

/*
Файл graph_repo.go: хранилище графа политик для нескольких демонов над одной базой.

- Ацикличность повторно проверяется при вставке ребра рекурсивным CTE внутри транзакции
  под advisory-блокировкой графа: два демона не могут одновременно замкнуть цикл.
- Поглощение активации: условный UPDATE ... WHERE NOT consumed RETURNING: ровно один победитель.
- Вставка once-активации сериализуется advisory-блокировкой по ребру; поглощенная once-строка
  (once AND consumed) остается отметкой и блокирует повторное срабатывание.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/graph"
)

// graphLockKey: ключ advisory-блокировки топологии графа
const graphLockKey int64 = 0x6167736772617068 // ASCII "agsgraph"

const foreignKeyViolation = "23503"

type GraphRepo struct {
	pool *pgxpool.Pool
}

func NewGraphRepo(pool *pgxpool.Pool) *GraphRepo {
	return &GraphRepo{pool: pool}
}

var _ graph.Store = (*GraphRepo)(nil)

// mapError переводит ошибки драйвера в таксономию domain.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%s: %s: %w", what, pgErr.ConstraintName, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}

const nodeColumns = `id, policy_id, scope_target, scope_user, dormant, metadata, created_at`

func scanNode(row pgx.Row) (domain.PolicyNode, error) {
	var n domain.PolicyNode
	err := row.Scan(&n.ID, &n.PolicyID, &n.ScopeTarget, &n.ScopeUser, &n.Dormant, &n.Metadata, &n.CreatedAt)
	return n, err
}

func (r *GraphRepo) InsertNode(ctx context.Context, n domain.PolicyNode) error {
	query := `
		INSERT INTO policy_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (policy_id, scope_target, scope_user) DO NOTHING`

	_, err := r.pool.Exec(ctx, query, n.ID, n.PolicyID, n.ScopeTarget, n.ScopeUser, n.Dormant, n.Metadata, n.CreatedAt)
	return mapError(err, "insert node")
}

func (r *GraphRepo) GetNode(ctx context.Context, id string) (domain.PolicyNode, error) {
	n, err := scanNode(r.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM policy_nodes WHERE id = $1`, id))
	return n, mapError(err, "node "+id)
}

func (r *GraphRepo) FindNode(ctx context.Context, policyID, scopeTarget, scopeUser string) (domain.PolicyNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM policy_nodes
		WHERE policy_id = $1 AND scope_target = $2 AND scope_user = $3`

	n, err := scanNode(r.pool.QueryRow(ctx, query, policyID, scopeTarget, scopeUser))
	return n, mapError(err, fmt.Sprintf("node %s/%s/%s", policyID, scopeTarget, scopeUser))
}

// nodeFilterQuery строит выборку узлов: пустое поле фильтра не участвует в условии.
func nodeFilterQuery(f graph.NodeFilter) (string, []any) {
	query := `SELECT ` + nodeColumns + ` FROM policy_nodes WHERE true`
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	add("policy_id", f.PolicyID)
	add("scope_target", f.ScopeTarget)
	add("scope_user", f.ScopeUser)
	return query + " ORDER BY created_at, id", args
}

func (r *GraphRepo) ListNodes(ctx context.Context, f graph.NodeFilter) ([]domain.PolicyNode, error) {
	query, args := nodeFilterQuery(f)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list nodes")
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PolicyNode, error) {
		return scanNode(row)
	})
	return nodes, mapError(err, "list nodes")
}

func (r *GraphRepo) SetNodeDormant(ctx context.Context, id string, dormant bool) error {
	ct, err := r.pool.Exec(ctx, `UPDATE policy_nodes SET dormant = $2 WHERE id = $1`, id, dormant)
	if err != nil {
		return mapError(err, "set dormant")
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *GraphRepo) DeleteNode(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockKey); err != nil {
			return mapError(err, "lock graph")
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM edge_activations WHERE edge_id IN (
				SELECT id FROM policy_edges WHERE source_node_id = $1 OR target_node_id = $1)`, id)
		if err != nil {
			return mapError(err, "delete node activations")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM policy_edges WHERE source_node_id = $1 OR target_node_id = $1`, id); err != nil {
			return mapError(err, "delete node edges")
		}
		ct, err := tx.Exec(ctx, `DELETE FROM policy_nodes WHERE id = $1`, id)
		if err != nil {
			return mapError(err, "delete node")
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// reachQuery: достижим ли $2 из $1 по существующим ребрам
const reachQuery = `
	WITH RECURSIVE reach(id) AS (
		SELECT $1::text
		UNION
		SELECT e.target_node_id FROM policy_edges e JOIN reach r ON e.source_node_id = r.id
	)
	SELECT EXISTS (SELECT 1 FROM reach WHERE id = $2)`

const edgeColumns = `id, source_node_id, target_node_id, effect, lifetime, priority, condition,
	secret_name, grant_patterns, delay_ms, enabled`

// InsertEdge повторяет проверку цикла в базе: движок проверил свой DAG, но ребро мог
// вставить другой демон.
func (r *GraphRepo) InsertEdge(ctx context.Context, e domain.PolicyEdge) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockKey); err != nil {
			return mapError(err, "lock graph")
		}
		var cycle bool
		if err := tx.QueryRow(ctx, reachQuery, e.TargetNodeID, e.SourceNodeID).Scan(&cycle); err != nil {
			return mapError(err, "cycle check")
		}
		if cycle {
			return &domain.CycleError{SourceID: e.SourceNodeID, TargetID: e.TargetNodeID}
		}

		query := `INSERT INTO policy_edges (` + edgeColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := tx.Exec(ctx, query, e.ID, e.SourceNodeID, e.TargetNodeID, e.Effect, e.Lifetime, e.Priority,
			e.Condition, e.SecretName, e.GrantPatterns, e.DelayMs, e.Enabled)
		return mapError(err, "insert edge")
	})
}

func scanEdge(row pgx.Row) (domain.PolicyEdge, error) {
	var e domain.PolicyEdge
	err := row.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.Effect, &e.Lifetime, &e.Priority, &e.Condition,
		&e.SecretName, &e.GrantPatterns, &e.DelayMs, &e.Enabled)
	return e, err
}

func (r *GraphRepo) GetEdge(ctx context.Context, id string) (domain.PolicyEdge, error) {
	e, err := scanEdge(r.pool.QueryRow(ctx, `SELECT `+edgeColumns+` FROM policy_edges WHERE id = $1`, id))
	return e, mapError(err, "edge "+id)
}

func (r *GraphRepo) ListEdges(ctx context.Context) ([]domain.PolicyEdge, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+edgeColumns+` FROM policy_edges ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "list edges")
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PolicyEdge, error) {
		return scanEdge(row)
	})
	return edges, mapError(err, "list edges")
}

func (r *GraphRepo) DeleteEdge(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM edge_activations WHERE edge_id = $1`, id); err != nil {
			return mapError(err, "delete edge activations")
		}
		ct, err := tx.Exec(ctx, `DELETE FROM policy_edges WHERE id = $1`, id)
		if err != nil {
			return mapError(err, "delete edge")
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("edge %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

const activationColumns = `id, edge_id, activated_at, expires_at, process_id, session_id, once, consumed`

func activationArgs(a domain.EdgeActivation) []any {
	return []any{a.ID, a.EdgeID, a.ActivatedAt, a.ExpiresAt, a.ProcessID, a.SessionID, a.Once, a.Consumed}
}

func (r *GraphRepo) InsertActivation(ctx context.Context, a domain.EdgeActivation) error {
	query := `INSERT INTO edge_activations (` + activationColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, activationArgs(a)...)
	return mapError(err, "insert activation")
}

// InsertActivationIfAbsent: блокировка по ребру сериализует конкурентные попытки,
// условная вставка видит живую активацию или отметку once, оставленную победителем.
func (r *GraphRepo) InsertActivationIfAbsent(ctx context.Context, a domain.EdgeActivation, now time.Time) (bool, error) {
	var inserted bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a.EdgeID); err != nil {
			return mapError(err, "lock edge")
		}
		query := `
			INSERT INTO edge_activations (` + activationColumns + `)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			WHERE NOT EXISTS (
				SELECT 1 FROM edge_activations
				WHERE edge_id = $2
				  AND ((once AND consumed) OR (NOT consumed AND (expires_at IS NULL OR expires_at > $9)))
			)`
		ct, err := tx.Exec(ctx, query, append(activationArgs(a), now)...)
		if err != nil {
			return mapError(err, "insert activation")
		}
		inserted = ct.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func (r *GraphRepo) ActiveActivations(ctx context.Context, edgeIDs []string, now time.Time) ([]domain.EdgeActivation, error) {
	if len(edgeIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + activationColumns + ` FROM edge_activations
		WHERE edge_id = ANY($1) AND NOT consumed AND activated_at <= $2
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY activated_at, id`

	rows, err := r.pool.Query(ctx, query, edgeIDs, now)
	if err != nil {
		return nil, mapError(err, "active activations")
	}
	acts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EdgeActivation, error) {
		var a domain.EdgeActivation
		err := row.Scan(&a.ID, &a.EdgeID, &a.ActivatedAt, &a.ExpiresAt, &a.ProcessID, &a.SessionID, &a.Once, &a.Consumed)
		return a, err
	})
	return acts, mapError(err, "active activations")
}

func (r *GraphRepo) ConsumeActivation(ctx context.Context, id string) (bool, error) {
	var consumed string
	err := r.pool.QueryRow(ctx,
		`UPDATE edge_activations SET consumed = true WHERE id = $1 AND NOT consumed RETURNING id`, id).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err, "consume activation")
	}
	return true, nil
}

func (r *GraphRepo) ConsumeActivationsForEdges(ctx context.Context, edgeIDs []string) (int, error) {
	if len(edgeIDs) == 0 {
		return 0, nil
	}
	ct, err := r.pool.Exec(ctx, `UPDATE edge_activations SET consumed = true WHERE edge_id = ANY($1) AND NOT consumed`, edgeIDs)
	if err != nil {
		return 0, mapError(err, "consume activations")
	}
	return int(ct.RowsAffected()), nil
}

func (r *GraphRepo) ExpireSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	return r.expire(ctx, "session_id", sessionID, now)
}

func (r *GraphRepo) ExpireProcess(ctx context.Context, pid int, now time.Time) (int, error) {
	return r.expire(ctx, "process_id", pid, now)
}

func (r *GraphRepo) expire(ctx context.Context, column string, value any, now time.Time) (int, error) {
	query := fmt.Sprintf(`UPDATE edge_activations SET expires_at = $2
		WHERE %s = $1 AND NOT consumed AND (expires_at IS NULL OR expires_at > $2)`, column)
	ct, err := r.pool.Exec(ctx, query, value, now)
	if err != nil {
		return 0, mapError(err, "expire "+column)
	}
	return int(ct.RowsAffected()), nil
}

func (r *GraphRepo) PruneActivations(ctx context.Context, now time.Time) (int, error) {
	ct, err := r.pool.Exec(ctx,
		`DELETE FROM edge_activations
		 WHERE NOT (once AND consumed) AND (consumed OR (expires_at IS NOT NULL AND expires_at <= $1))`, now)
	if err != nil {
		return 0, mapError(err, "prune activations")
	}
	return int(ct.RowsAffected()), nil
}
