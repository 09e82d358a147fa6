package graph

import (
	"sort"
	"sync"

	"github.com/xela07ax/agenshield/internal/domain"
)

// DAG: топология графа политик: арена узлов + индекс по стабильным идентификаторам.
// Ацикличность не гарантируется структурой, ее проверяет WouldCycle перед каждой вставкой ребра.
type DAG struct {
	mu    sync.RWMutex
	index map[string]int // node id -> слот арены
	ids   []string
	out   [][]string // слот -> исходящие ребра (по приоритету)
	in    [][]string // слот -> входящие ребра
	edges map[string]domain.PolicyEdge
	seq   map[string]uint64 // порядок вставки ребер, для стабильной сортировки
	next  uint64
}

func NewDAG() *DAG {
	return &DAG{
		index: make(map[string]int),
		edges: make(map[string]domain.PolicyEdge),
		seq:   make(map[string]uint64),
	}
}

// AddNode регистрирует узел в арене и возвращает его слот.
func (d *DAG) AddNode(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(id)
}

func (d *DAG) addNodeLocked(id string) int {
	if slot, ok := d.index[id]; ok {
		return slot
	}
	slot := len(d.ids)
	d.index[id] = slot
	d.ids = append(d.ids, id)
	d.out = append(d.out, nil)
	d.in = append(d.in, nil)
	return slot
}

func (d *DAG) HasNode(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[id]
	return ok
}

// RemoveNode снимает все инцидентные ребра. Слот остается в арене пустым.
func (d *DAG) RemoveNode(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.index[id]
	if !ok {
		return nil
	}
	var removed []string
	for _, eid := range append(append([]string(nil), d.out[slot]...), d.in[slot]...) {
		if d.removeEdgeLocked(eid) {
			removed = append(removed, eid)
		}
	}
	delete(d.index, id)
	return removed
}

// AddEdge кладет ребро в арену. Оба узла регистрируются при необходимости.
// Проверку на цикл вызывающий делает сам через WouldCycle под своим writer-локом.
func (d *DAG) AddEdge(e domain.PolicyEdge) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.edges[e.ID]; exists {
		d.removeEdgeLocked(e.ID)
	}
	src := d.addNodeLocked(e.SourceNodeID)
	dst := d.addNodeLocked(e.TargetNodeID)

	d.next++
	d.seq[e.ID] = d.next
	d.edges[e.ID] = e
	d.out[src] = append(d.out[src], e.ID)
	d.in[dst] = append(d.in[dst], e.ID)

	// Исходящие держим отсортированными: приоритет по убыванию, затем порядок вставки
	list := d.out[src]
	sort.SliceStable(list, func(i, j int) bool {
		return d.edges[list[i]].Priority > d.edges[list[j]].Priority
	})
}

// RemoveEdge удаляет ребро и возвращает его.
func (d *DAG) RemoveEdge(id string) (domain.PolicyEdge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.edges[id]
	if !ok {
		return domain.PolicyEdge{}, false
	}
	d.removeEdgeLocked(id)
	return e, true
}

func (d *DAG) removeEdgeLocked(id string) bool {
	e, ok := d.edges[id]
	if !ok {
		return false
	}
	if slot, ok := d.index[e.SourceNodeID]; ok {
		d.out[slot] = without(d.out[slot], id)
	}
	if slot, ok := d.index[e.TargetNodeID]; ok {
		d.in[slot] = without(d.in[slot], id)
	}
	delete(d.edges, id)
	delete(d.seq, id)
	return true
}

// WouldCycle сообщает, замкнет ли ребро source->target цикл:
// BFS от target по исходящим ребрам; если source достижим, цикл будет.
func (d *DAG) WouldCycle(sourceID, targetID string) bool {
	if sourceID == targetID {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	start, ok := d.index[targetID]
	if !ok {
		return false
	}
	goal, ok := d.index[sourceID]
	if !ok {
		return false
	}

	visited := make([]bool, len(d.ids))
	queue := []int{start}
	visited[start] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == goal {
			return true
		}
		for _, eid := range d.out[cur] {
			next, ok := d.index[d.edges[eid].TargetNodeID]
			if !ok || visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

// Outbound: исходящие ребра узла по приоритету (копия).
func (d *DAG) Outbound(nodeID string) []domain.PolicyEdge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	slot, ok := d.index[nodeID]
	if !ok {
		return nil
	}
	return d.collectLocked(d.out[slot])
}

// Inbound: входящие ребра узла (копия).
func (d *DAG) Inbound(nodeID string) []domain.PolicyEdge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	slot, ok := d.index[nodeID]
	if !ok {
		return nil
	}
	return d.collectLocked(d.in[slot])
}

func (d *DAG) Edge(id string) (domain.PolicyEdge, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.edges[id]
	return e, ok
}

// Edges: все ребра в порядке вставки.
func (d *DAG) Edges() []domain.PolicyEdge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.PolicyEdge, 0, len(d.edges))
	for _, e := range d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return d.seq[out[i].ID] < d.seq[out[j].ID] })
	return out
}

func (d *DAG) collectLocked(ids []string) []domain.PolicyEdge {
	out := make([]domain.PolicyEdge, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.edges[id])
	}
	return out
}

func without(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
