package graph

import (
	"context"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
)

// NodeFilter: выборка узлов по политике и области. Пустое поле не фильтрует.
type NodeFilter struct {
	PolicyID    string
	ScopeTarget string
	ScopeUser   string
}

// Store: контракт хранилища узлов, ребер и активаций графа.
// Get/Find возвращают domain.ErrNotFound, если записи нет.
type Store interface {
	InsertNode(ctx context.Context, n domain.PolicyNode) error
	GetNode(ctx context.Context, id string) (domain.PolicyNode, error)
	FindNode(ctx context.Context, policyID, scopeTarget, scopeUser string) (domain.PolicyNode, error)
	ListNodes(ctx context.Context, f NodeFilter) ([]domain.PolicyNode, error)
	SetNodeDormant(ctx context.Context, id string, dormant bool) error
	// DeleteNode удаляет узел вместе с инцидентными ребрами и их активациями
	DeleteNode(ctx context.Context, id string) error

	InsertEdge(ctx context.Context, e domain.PolicyEdge) error
	GetEdge(ctx context.Context, id string) (domain.PolicyEdge, error)
	ListEdges(ctx context.Context) ([]domain.PolicyEdge, error)
	DeleteEdge(ctx context.Context, id string) error

	InsertActivation(ctx context.Context, a domain.EdgeActivation) error
	// InsertActivationIfAbsent атомарно вставляет активацию, только если у ребра нет живой
	// (не поглощенной и не истекшей, в том числе отложенной) активации и нет отметки Spent.
	// Активацию можно вставить сразу поглощенной: так срабатывание once-ребра и его поглощение
	// выполняются одной операцией. Возвращает false, если не вставлено.
	InsertActivationIfAbsent(ctx context.Context, a domain.EdgeActivation, now time.Time) (bool, error)
	// ActiveActivations: активации ребер, действующие на момент now
	ActiveActivations(ctx context.Context, edgeIDs []string, now time.Time) ([]domain.EdgeActivation, error)
	// ConsumeActivation атомарно помечает активацию поглощенной. false: ее уже поглотили.
	ConsumeActivation(ctx context.Context, id string) (bool, error)
	ConsumeActivationsForEdges(ctx context.Context, edgeIDs []string) (int, error)
	ExpireSession(ctx context.Context, sessionID string, now time.Time) (int, error)
	ExpireProcess(ctx context.Context, pid int, now time.Time) (int, error)
	// PruneActivations удаляет поглощенные и истекшие активации. Отметки Spent остаются до удаления ребра.
	PruneActivations(ctx context.Context, now time.Time) (int, error)
}
