package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/graph"
)

// GraphStore: хранилище графа в памяти процесса (одиночный демон, тесты).
// Все операции выполняются под одним мьютексом, поэтому условные вставки и поглощение атомарны.
type GraphStore struct {
	mu          sync.Mutex
	nodes       map[string]domain.PolicyNode
	edges       map[string]domain.PolicyEdge
	activations map[string]*domain.EdgeActivation
}

func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes:       make(map[string]domain.PolicyNode),
		edges:       make(map[string]domain.PolicyEdge),
		activations: make(map[string]*domain.EdgeActivation),
	}
}

var _ graph.Store = (*GraphStore)(nil)

func (s *GraphStore) InsertNode(_ context.Context, n domain.PolicyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.nodes {
		if existing.PolicyID == n.PolicyID && existing.ScopeTarget == n.ScopeTarget && existing.ScopeUser == n.ScopeUser {
			return nil // Узел области уже есть
		}
	}
	s.nodes[n.ID] = n
	return nil
}

func (s *GraphStore) GetNode(_ context.Context, id string) (domain.PolicyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return domain.PolicyNode{}, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	return n, nil
}

func (s *GraphStore) FindNode(_ context.Context, policyID, scopeTarget, scopeUser string) (domain.PolicyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.PolicyID == policyID && n.ScopeTarget == scopeTarget && n.ScopeUser == scopeUser {
			return n, nil
		}
	}
	return domain.PolicyNode{}, fmt.Errorf("node %s/%s/%s: %w", policyID, scopeTarget, scopeUser, domain.ErrNotFound)
}

func (s *GraphStore) ListNodes(_ context.Context, f graph.NodeFilter) ([]domain.PolicyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PolicyNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		if f.PolicyID != "" && n.PolicyID != f.PolicyID {
			continue
		}
		if f.ScopeTarget != "" && n.ScopeTarget != f.ScopeTarget {
			continue
		}
		if f.ScopeUser != "" && n.ScopeUser != f.ScopeUser {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *GraphStore) SetNodeDormant(_ context.Context, id string, dormant bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	n.Dormant = dormant
	s.nodes[id] = n
	return nil
}

func (s *GraphStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	delete(s.nodes, id)
	for eid, e := range s.edges {
		if e.SourceNodeID == id || e.TargetNodeID == id {
			s.deleteEdgeLocked(eid)
		}
	}
	return nil
}

func (s *GraphStore) InsertEdge(_ context.Context, e domain.PolicyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[e.SourceNodeID]; !ok {
		return fmt.Errorf("source node %s: %w", e.SourceNodeID, domain.ErrNotFound)
	}
	if _, ok := s.nodes[e.TargetNodeID]; !ok {
		return fmt.Errorf("target node %s: %w", e.TargetNodeID, domain.ErrNotFound)
	}
	s.edges[e.ID] = e
	return nil
}

func (s *GraphStore) GetEdge(_ context.Context, id string) (domain.PolicyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return domain.PolicyEdge{}, fmt.Errorf("edge %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (s *GraphStore) ListEdges(_ context.Context) ([]domain.PolicyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PolicyEdge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *GraphStore) DeleteEdge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[id]; !ok {
		return fmt.Errorf("edge %s: %w", id, domain.ErrNotFound)
	}
	s.deleteEdgeLocked(id)
	return nil
}

func (s *GraphStore) deleteEdgeLocked(id string) {
	delete(s.edges, id)
	for aid, a := range s.activations {
		if a.EdgeID == id {
			delete(s.activations, aid)
		}
	}
}

func (s *GraphStore) InsertActivation(_ context.Context, a domain.EdgeActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertActivationLocked(a)
}

func (s *GraphStore) insertActivationLocked(a domain.EdgeActivation) error {
	if _, ok := s.edges[a.EdgeID]; !ok {
		return fmt.Errorf("edge %s: %w", a.EdgeID, domain.ErrNotFound)
	}
	cp := a
	s.activations[a.ID] = &cp
	return nil
}

func (s *GraphStore) InsertActivationIfAbsent(_ context.Context, a domain.EdgeActivation, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.activations {
		if existing.EdgeID == a.EdgeID && (live(existing, now) || existing.Spent()) {
			return false, nil
		}
	}
	if err := s.insertActivationLocked(a); err != nil {
		return false, err
	}
	return true, nil
}

// live: не поглощена и не истекла; отложенная (ActivatedAt в будущем) тоже живая
func live(a *domain.EdgeActivation, now time.Time) bool {
	return !a.Consumed && (a.ExpiresAt == nil || a.ExpiresAt.After(now))
}

func (s *GraphStore) ActiveActivations(_ context.Context, edgeIDs []string, now time.Time) ([]domain.EdgeActivation, error) {
	if len(edgeIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(edgeIDs))
	for _, id := range edgeIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EdgeActivation
	for _, a := range s.activations {
		if _, ok := want[a.EdgeID]; !ok || !a.IsActive(now) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.Before(out[j].ActivatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *GraphStore) ConsumeActivation(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[id]
	if !ok || a.Consumed {
		return false, nil
	}
	a.Consumed = true
	return true, nil
}

func (s *GraphStore) ConsumeActivationsForEdges(_ context.Context, edgeIDs []string) (int, error) {
	if len(edgeIDs) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(edgeIDs))
	for _, id := range edgeIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.activations {
		if _, ok := want[a.EdgeID]; ok && !a.Consumed {
			a.Consumed = true
			n++
		}
	}
	return n, nil
}

func (s *GraphStore) ExpireSession(_ context.Context, sessionID string, now time.Time) (int, error) {
	return s.expire(func(a *domain.EdgeActivation) bool { return a.SessionID == sessionID }, now), nil
}

func (s *GraphStore) ExpireProcess(_ context.Context, pid int, now time.Time) (int, error) {
	return s.expire(func(a *domain.EdgeActivation) bool { return a.ProcessID == pid }, now), nil
}

func (s *GraphStore) expire(match func(*domain.EdgeActivation) bool, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.activations {
		if !match(a) || !live(a, now) {
			continue
		}
		exp := now
		a.ExpiresAt = &exp
		n++
	}
	return n
}

func (s *GraphStore) PruneActivations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.activations {
		if live(a, now) || a.Spent() {
			continue
		}
		delete(s.activations, id)
		n++
	}
	return n, nil
}

// Activations: снимок всех активаций (для админки и тестов).
func (s *GraphStore) Activations() []domain.EdgeActivation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EdgeActivation, 0, len(s.activations))
	for _, a := range s.activations {
		out = append(out, *a)
	}
	return out
}
