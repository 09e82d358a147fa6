package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/eventbus"
	"go.uber.org/zap"
)

// delayedApplyTimeout ограничивает применение одного отложенного эффекта
const delayedApplyTimeout = 5 * time.Second

// Publisher: шина, в которую движок отдает примененные эффекты.
type Publisher interface {
	Publish(ev eventbus.Event) int
}

type Config struct {
	// SessionTTL ограничивает жизнь session-активаций, даже если конец сессии не пришел
	SessionTTL time.Duration
	// MaxCascadeDepth: предел глубины каскада deny
	MaxCascadeDepth int
}

// FireInput: контекст срабатывания: кто и над чем выполнил операцию.
type FireInput struct {
	Context   *domain.ExecutionContext
	Operation domain.OperationKind
	Target    string
}

func (in FireInput) env() map[string]string {
	env := map[string]string{
		"operation": string(in.Operation),
		"target":    in.Target,
		"depth":     "0",
	}
	if c := in.Context; c != nil {
		env["agent"] = c.AgentID
		env["skill"] = c.SkillSlug
		env["caller"] = string(c.CallerType)
		env["layer"] = string(c.SourceLayer)
		env["user"] = c.User
		env["session"] = c.SessionID
		env["depth"] = strconv.Itoa(c.Depth)
	}
	return env
}

// EffectApplication: сработавшее ребро и его эффект.
type EffectApplication struct {
	EdgeID       string              `json:"edgeId"`
	SourceNodeID string              `json:"sourceNodeId"`
	TargetNodeID string              `json:"targetNodeId"`
	Effect       domain.EdgeEffect   `json:"effect"`
	ActivationID string              `json:"activationId,omitempty"`
	At           time.Time           `json:"at"`
	Deferred     bool                `json:"deferred,omitempty"`
	Cascade      []EffectApplication `json:"cascade,omitempty"`
}

// Outcome: итог применения графа к одной оценке узла.
type Outcome struct {
	NodeID        string              `json:"nodeId"`
	Dormant       bool                `json:"dormant,omitempty"`
	Denied        bool                `json:"denied,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Secrets       []string            `json:"secrets,omitempty"`
	NetworkGrants []string            `json:"networkGrants,omitempty"`
	FSGrants      []string            `json:"fsGrants,omitempty"`
	Applied       []EffectApplication `json:"applied,omitempty"`
	Fired         []EffectApplication `json:"fired,omitempty"`
}

// SandboxGrant собирает временные расширения песочницы из активаций.
// grant_fs: "write:/path" дает запись (и чтение), иначе путь открывается на чтение.
// Секреты попадают в envAllow: значение подставляет вызывающая сторона.
func (o *Outcome) SandboxGrant() *domain.SandboxConfig {
	if len(o.NetworkGrants) == 0 && len(o.FSGrants) == 0 && len(o.Secrets) == 0 {
		return nil
	}
	cfg := &domain.SandboxConfig{Enabled: true}
	if len(o.NetworkGrants) > 0 {
		cfg.NetworkAllowed = true
		cfg.AllowedHosts = append(cfg.AllowedHosts, o.NetworkGrants...)
	}
	for _, p := range o.FSGrants {
		if path, ok := strings.CutPrefix(p, "write:"); ok {
			cfg.AllowedWritePaths = append(cfg.AllowedWritePaths, path)
			cfg.AllowedReadPaths = append(cfg.AllowedReadPaths, path)
			continue
		}
		cfg.AllowedReadPaths = append(cfg.AllowedReadPaths, strings.TrimPrefix(p, "read:"))
	}
	cfg.EnvAllow = append(cfg.EnvAllow, o.Secrets...)
	return cfg.Normalize()
}

// TopologyNotifier рассылает изменения ребер другим демонам над общим хранилищем.
// Вызывается после фиксации изменения, вне writer-лока.
type TopologyNotifier interface {
	EdgeChanged(ctx context.Context, edgeID string, added bool)
}

// WakeNotifier узнает о пробуждении узла эффектом activate.
type WakeNotifier interface {
	NodeWoken(ctx context.Context, nodeID string)
}

// Option настраивает движок.
type Option func(*Engine)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine: движок каскадных эффектов графа политик.
// Запись топологии (проверка цикла + вставка, создание узлов) идет под одним writer-локом,
// атомарность поглощения активаций обеспечивает Store.
type Engine struct {
	store   Store
	dag     *DAG
	bus     Publisher
	cfg     Config
	conds   conditionCache
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	writeMu sync.Mutex

	// Ставятся при старте демона, до обслуживания запросов
	topology TopologyNotifier
	wake     WakeNotifier

	timersMu sync.Mutex
	timers   map[uint64]*time.Timer
	timerSeq uint64
	closed   bool
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewEngine(store Store, bus Publisher, cfg Config, logger *zap.Logger, metrics *Metrics, opts ...Option) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.MaxCascadeDepth <= 0 {
		cfg.MaxCascadeDepth = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		dag:     NewDAG(),
		bus:     bus,
		cfg:     cfg,
		logger:  logger.Named("graph"),
		metrics: metrics,
		now:     time.Now,
		timers:  make(map[uint64]*time.Timer),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTopologyNotifier подключает рассылку изменений ребер. Вызывать до обслуживания запросов.
func (e *Engine) SetTopologyNotifier(n TopologyNotifier) { e.topology = n }

// SetWakeNotifier подключает рубильник, которому сообщается о пробуждении узлов.
// Вызывать до обслуживания запросов.
func (e *Engine) SetWakeNotifier(n WakeNotifier) { e.wake = n }

// Load приводит арену к топологии хранилища: при старте демона и при каждом
// переподключении к каналу топологии. Повторный вызов досыпает новые ребра и снимает удаленные.
func (e *Engine) Load(ctx context.Context) error {
	nodes, err := e.store.ListNodes(ctx, NodeFilter{})
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	edges, err := e.store.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for _, n := range nodes {
		e.dag.AddNode(n.ID)
	}
	stored := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		stored[edge.ID] = struct{}{}
	}
	removed := 0
	for _, edge := range e.dag.Edges() {
		if _, ok := stored[edge.ID]; !ok {
			e.dag.RemoveEdge(edge.ID)
			removed++
		}
	}
	skipped := 0
	for _, edge := range edges {
		// Ребра неизменяемы: уже загруженное не перекладываем
		if _, ok := e.dag.Edge(edge.ID); ok {
			continue
		}
		// Хранилище могли изменить в обход движка: цикл не пускаем и здесь
		if e.dag.WouldCycle(edge.SourceNodeID, edge.TargetNodeID) {
			skipped++
			e.logger.Error("stored edge closes a cycle, skipped", zap.String("edge_id", edge.ID))
			continue
		}
		e.dag.AddEdge(edge)
	}
	e.logger.Info("policy graph loaded",
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)-skipped),
		zap.Int("dropped", removed),
	)
	return nil
}

// SyncEdge применяет изменение ребра, сделанное другим демоном над общим хранилищем.
// Собственные изменения, вернувшиеся через канал, ничего не меняют.
func (e *Engine) SyncEdge(ctx context.Context, edgeID string, added bool) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if !added {
		if edge, ok := e.dag.RemoveEdge(edgeID); ok {
			e.publish(eventbus.TypeGraphEdge, map[string]any{"action": "removed", "edge": edge})
		}
		return nil
	}
	if _, ok := e.dag.Edge(edgeID); ok {
		return nil
	}
	edge, err := e.store.GetEdge(ctx, edgeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil // Уже удалено: сигнал об удалении придет следом
	}
	if err != nil {
		return fmt.Errorf("get edge: %w", err)
	}
	if e.dag.WouldCycle(edge.SourceNodeID, edge.TargetNodeID) {
		e.logger.Error("synced edge closes a cycle, skipped", zap.String("edge_id", edge.ID))
		return &domain.CycleError{SourceID: edge.SourceNodeID, TargetID: edge.TargetNodeID}
	}
	e.dag.AddEdge(edge)
	e.publish(eventbus.TypeGraphEdge, map[string]any{"action": "added", "edge": edge})
	return nil
}

func (e *Engine) notifyEdge(ctx context.Context, edgeID string, added bool) {
	if e.topology != nil {
		e.topology.EdgeChanged(ctx, edgeID, added)
	}
}

// EnsureNode возвращает узел (политика, область), создавая его при первой оценке.
func (e *Engine) EnsureNode(ctx context.Context, policyID, scopeTarget, scopeUser string) (domain.PolicyNode, error) {
	if policyID == "" {
		return domain.PolicyNode{}, &domain.ValidationError{Field: "policyId", Message: "policy id is required"}
	}
	n, err := e.store.FindNode(ctx, policyID, scopeTarget, scopeUser)
	if err == nil {
		e.dag.AddNode(n.ID)
		return n, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.PolicyNode{}, fmt.Errorf("find node: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if n, err = e.store.FindNode(ctx, policyID, scopeTarget, scopeUser); err == nil {
		e.dag.AddNode(n.ID)
		return n, nil
	}

	n = domain.PolicyNode{
		ID:          uuid.NewString(),
		PolicyID:    policyID,
		ScopeTarget: scopeTarget,
		ScopeUser:   scopeUser,
		CreatedAt:   e.now(),
	}
	if err := e.store.InsertNode(ctx, n); err != nil {
		return domain.PolicyNode{}, fmt.Errorf("insert node: %w", err)
	}
	// Другой демон мог успеть раньше: берем каноническую запись
	if n, err = e.store.FindNode(ctx, policyID, scopeTarget, scopeUser); err != nil {
		return domain.PolicyNode{}, fmt.Errorf("reload node: %w", err)
	}
	e.dag.AddNode(n.ID)
	e.logger.Debug("policy node created",
		zap.String("node_id", n.ID),
		zap.String("policy_id", policyID),
		zap.String("scope_target", scopeTarget),
	)
	return n, nil
}

func (e *Engine) SetDormant(ctx context.Context, nodeID string, dormant bool) error {
	if err := e.store.SetNodeDormant(ctx, nodeID, dormant); err != nil {
		return fmt.Errorf("set dormant: %w", err)
	}
	return nil
}

// RemoveNode удаляет узел вместе с инцидентными ребрами.
func (e *Engine) RemoveNode(ctx context.Context, nodeID string) error {
	e.writeMu.Lock()
	if err := e.store.DeleteNode(ctx, nodeID); err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("delete node: %w", err)
	}
	removed := e.dag.RemoveNode(nodeID)
	e.writeMu.Unlock()

	for _, id := range removed {
		e.notifyEdge(ctx, id, false)
	}
	return nil
}

func (e *Engine) Nodes(ctx context.Context, f NodeFilter) ([]domain.PolicyNode, error) {
	return e.store.ListNodes(ctx, f)
}

func (e *Engine) Edges() []domain.PolicyEdge {
	return e.dag.Edges()
}

// ValidateAcyclic: true, если ребро source->target не замкнет цикл.
func (e *Engine) ValidateAcyclic(sourceID, targetID string) bool {
	return !e.dag.WouldCycle(sourceID, targetID)
}

// AddEdge валидирует ребро, проверяет ацикличность и сохраняет его.
// Проверка и вставка выполняются атомарно относительно других записей.
func (e *Engine) AddEdge(ctx context.Context, edge domain.PolicyEdge) (domain.PolicyEdge, error) {
	added, err := e.addEdge(ctx, edge)
	if err != nil {
		return added, err
	}
	e.notifyEdge(ctx, added.ID, true)
	return added, nil
}

func (e *Engine) addEdge(ctx context.Context, edge domain.PolicyEdge) (domain.PolicyEdge, error) {
	if err := edge.Validate(); err != nil {
		return edge, err
	}
	if _, err := ParseCondition(edge.Condition); err != nil {
		return edge, &domain.ValidationError{Field: "condition", Message: err.Error()}
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for _, id := range []string{edge.SourceNodeID, edge.TargetNodeID} {
		if e.dag.HasNode(id) {
			continue
		}
		n, err := e.store.GetNode(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return edge, &domain.ValidationError{Field: "node", Message: fmt.Sprintf("unknown node %s", id)}
		}
		if err != nil {
			return edge, fmt.Errorf("get node: %w", err)
		}
		e.dag.AddNode(n.ID)
	}

	if e.dag.WouldCycle(edge.SourceNodeID, edge.TargetNodeID) {
		e.metrics.CyclesRejected.Inc()
		e.logger.Warn("edge rejected: cycle",
			zap.String("source", edge.SourceNodeID),
			zap.String("target", edge.TargetNodeID),
		)
		return edge, &domain.CycleError{SourceID: edge.SourceNodeID, TargetID: edge.TargetNodeID}
	}

	if err := e.store.InsertEdge(ctx, edge); err != nil {
		if errors.Is(err, domain.ErrCycle) {
			e.metrics.CyclesRejected.Inc()
		}
		return edge, fmt.Errorf("insert edge: %w", err)
	}
	e.dag.AddEdge(edge)

	e.publish(eventbus.TypeGraphEdge, map[string]any{"action": "added", "edge": edge})
	e.logger.Info("edge added",
		zap.String("edge_id", edge.ID),
		zap.String("effect", string(edge.Effect)),
		zap.String("lifetime", string(edge.Lifetime)),
	)
	return edge, nil
}

func (e *Engine) RemoveEdge(ctx context.Context, edgeID string) error {
	e.writeMu.Lock()
	if err := e.store.DeleteEdge(ctx, edgeID); err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("delete edge: %w", err)
	}
	edge, ok := e.dag.RemoveEdge(edgeID)
	e.writeMu.Unlock()

	if ok {
		e.publish(eventbus.TypeGraphEdge, map[string]any{"action": "removed", "edge": edge})
	}
	e.notifyEdge(ctx, edgeID, false)
	return nil
}

// OnFire запускает исходящие ребра узла: его политика только что вынесла решение.
func (e *Engine) OnFire(ctx context.Context, nodeID string, in FireInput) ([]EffectApplication, error) {
	return e.fire(ctx, nodeID, in, 0)
}

func (e *Engine) fire(ctx context.Context, nodeID string, in FireInput, depth int) ([]EffectApplication, error) {
	if depth >= e.cfg.MaxCascadeDepth {
		e.metrics.CascadeTruncated.Inc()
		e.logger.Warn("cascade depth limit reached", zap.String("node_id", nodeID), zap.Int("depth", depth))
		return nil, nil
	}

	now := e.now()
	env := in.env()
	var (
		apps []EffectApplication
		errs []error
	)

	for _, edge := range e.dag.Outbound(nodeID) {
		if !edge.Enabled {
			continue
		}
		if edge.Condition != "" {
			cond, err := e.conds.get(edge.Condition)
			ok := false
			if err == nil {
				ok, err = cond.Eval(env)
			}
			if err != nil {
				// Битое условие изолирует только это ребро
				e.metrics.ConditionErrors.Inc()
				e.logger.Warn("edge condition failed, edge skipped", zap.String("edge_id", edge.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		act := e.newActivation(edge, in, now)
		if act.Once && edge.DelayMs == 0 && changesGraph(edge.Effect) {
			// Срабатывание и поглощение одной операцией хранилища
			act.Consumed = true
		}
		if edge.Lifetime == domain.LifetimeOnce {
			inserted, err := e.store.InsertActivationIfAbsent(ctx, act, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("edge %s: %w", edge.ID, err))
				continue
			}
			if !inserted {
				continue
			}
		} else if err := e.store.InsertActivation(ctx, act); err != nil {
			errs = append(errs, fmt.Errorf("edge %s: %w", edge.ID, err))
			continue
		}
		e.metrics.EdgesFired.WithLabelValues(string(edge.Effect)).Inc()

		app := EffectApplication{
			EdgeID:       edge.ID,
			SourceNodeID: edge.SourceNodeID,
			TargetNodeID: edge.TargetNodeID,
			Effect:       edge.Effect,
			ActivationID: act.ID,
			At:           act.ActivatedAt,
			Deferred:     edge.DelayMs > 0,
		}
		if edge.DelayMs > 0 {
			e.schedule(edge, act, in, depth)
		} else {
			cascade, err := e.applyNodeEffect(ctx, edge, act, in, depth)
			if err != nil {
				errs = append(errs, err)
			}
			app.Cascade = cascade
		}
		apps = append(apps, app)
	}
	return apps, errors.Join(errs...)
}

// applyNodeEffect применяет эффекты, меняющие состояние графа. Эффекты, действующие на оценку цели
// (deny, inject_secret, grant_*), живут в активации и применяются в Evaluate цели.
func (e *Engine) applyNodeEffect(ctx context.Context, edge domain.PolicyEdge, act domain.EdgeActivation, in FireInput, depth int) ([]EffectApplication, error) {
	switch edge.Effect {
	case domain.EffectActivate, domain.EffectRevoke:
		// Отложенная once-активация поглощается при применении
		if act.Once && !act.Consumed {
			ok, err := e.store.ConsumeActivation(ctx, act.ID)
			if err != nil || !ok {
				return nil, err
			}
		}
		if edge.Effect == domain.EffectActivate {
			if err := e.store.SetNodeDormant(ctx, edge.TargetNodeID, false); err != nil {
				return nil, fmt.Errorf("activate %s: %w", edge.TargetNodeID, err)
			}
			if e.wake != nil {
				e.wake.NodeWoken(ctx, edge.TargetNodeID)
			}
		} else {
			var ids []string
			for _, sibling := range e.dag.Inbound(edge.TargetNodeID) {
				if sibling.ID != edge.ID {
					ids = append(ids, sibling.ID)
				}
			}
			n, err := e.store.ConsumeActivationsForEdges(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("revoke %s: %w", edge.TargetNodeID, err)
			}
			e.logger.Debug("activations revoked", zap.String("node_id", edge.TargetNodeID), zap.Int("count", n))
		}
		e.metrics.EffectsApplied.WithLabelValues(string(edge.Effect)).Inc()
		e.publish(eventbus.TypeGraphEffect, EffectApplication{
			EdgeID: edge.ID, SourceNodeID: edge.SourceNodeID, TargetNodeID: edge.TargetNodeID,
			Effect: edge.Effect, ActivationID: act.ID, At: e.now(),
		})
		return nil, nil

	case domain.EffectDeny:
		// Запрет каскадирует: цель считается оцененной и запускает свои исходящие ребра
		target, err := e.store.GetNode(ctx, edge.TargetNodeID)
		if err != nil {
			return nil, fmt.Errorf("cascade %s: %w", edge.TargetNodeID, err)
		}
		if target.Dormant {
			return nil, nil
		}
		return e.fire(ctx, edge.TargetNodeID, in, depth+1)
	}
	return nil, nil
}

func (e *Engine) schedule(edge domain.PolicyEdge, act domain.EdgeActivation, in FireInput, depth int) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}

	e.timerSeq++
	id := e.timerSeq
	e.wg.Add(1)
	e.metrics.PendingEffects.Inc()
	e.timers[id] = time.AfterFunc(edge.Delay(), func() {
		defer e.wg.Done()
		e.timersMu.Lock()
		delete(e.timers, id)
		e.timersMu.Unlock()
		e.metrics.PendingEffects.Dec()

		ctx, cancel := context.WithTimeout(e.baseCtx, delayedApplyTimeout)
		defer cancel()
		if _, err := e.applyNodeEffect(ctx, edge, act, in, depth); err != nil {
			e.logger.Error("delayed effect failed", zap.String("edge_id", edge.ID), zap.Error(err))
		}
	})
}

// changesGraph: эффект меняет состояние графа, а не оценку цели
func changesGraph(effect domain.EdgeEffect) bool {
	return effect == domain.EffectActivate || effect == domain.EffectRevoke
}

func (e *Engine) newActivation(edge domain.PolicyEdge, in FireInput, now time.Time) domain.EdgeActivation {
	act := domain.EdgeActivation{
		ID:          uuid.NewString(),
		EdgeID:      edge.ID,
		ActivatedAt: now.Add(edge.Delay()),
		Once:        edge.Lifetime == domain.LifetimeOnce,
	}
	ectx := in.Context
	switch edge.Lifetime {
	case domain.LifetimeSession:
		if ectx != nil {
			act.SessionID = ectx.SessionID
		}
		if e.cfg.SessionTTL > 0 {
			exp := act.ActivatedAt.Add(e.cfg.SessionTTL)
			act.ExpiresAt = &exp
		}
	case domain.LifetimeProcess:
		if ectx != nil {
			act.ProcessID = ectx.PID
		}
		// Без pid конец процесса не придет: ограничиваем как сессию
		if act.ProcessID == 0 && e.cfg.SessionTTL > 0 {
			exp := act.ActivatedAt.Add(e.cfg.SessionTTL)
			act.ExpiresAt = &exp
		}
	}
	return act
}

// appliesTo: активация, привязанная к сессии/процессу, действует только внутри них.
func appliesTo(act domain.EdgeActivation, ectx *domain.ExecutionContext) bool {
	if act.SessionID != "" && (ectx == nil || ectx.SessionID != act.SessionID) {
		return false
	}
	if act.ProcessID != 0 && (ectx == nil || (ectx.PID != act.ProcessID && ectx.PPID != act.ProcessID)) {
		return false
	}
	return true
}

// Evaluate: вход демона после явного совпадения правила: обеспечивает узел (политика, область),
// применяет к оценке действующие входящие активации и запускает исходящие ребра узла.
func (e *Engine) Evaluate(ctx context.Context, policyID string, in FireInput) (Outcome, error) {
	node, err := e.EnsureNode(ctx, policyID, in.Context.ScopeTarget(), in.Context.ScopeUser())
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{NodeID: node.ID, Dormant: node.Dormant}
	now := e.now()
	var errs []error

	inbound := e.dag.Inbound(node.ID)
	if len(inbound) > 0 {
		byID := make(map[string]domain.PolicyEdge, len(inbound))
		ids := make([]string, 0, len(inbound))
		for _, edge := range inbound {
			if !edge.Enabled {
				continue
			}
			byID[edge.ID] = edge
			ids = append(ids, edge.ID)
		}

		acts, err := e.store.ActiveActivations(ctx, ids, now)
		if err != nil {
			return out, fmt.Errorf("active activations: %w", err)
		}
		sort.SliceStable(acts, func(i, j int) bool {
			pi, pj := byID[acts[i].EdgeID].Priority, byID[acts[j].EdgeID].Priority
			if pi != pj {
				return pi > pj
			}
			return acts[i].ActivatedAt.Before(acts[j].ActivatedAt)
		})

		for _, act := range acts {
			edge, ok := byID[act.EdgeID]
			if !ok || !act.IsActive(now) || !appliesTo(act, in.Context) {
				continue
			}
			if changesGraph(edge.Effect) {
				continue
			}
			if edge.Lifetime == domain.LifetimeOnce {
				consumed, err := e.store.ConsumeActivation(ctx, act.ID)
				if err != nil {
					errs = append(errs, fmt.Errorf("consume %s: %w", act.ID, err))
					continue
				}
				if !consumed {
					continue // Уже применена конкурентной оценкой
				}
			}

			switch edge.Effect {
			case domain.EffectDeny:
				if !out.Denied {
					out.Denied = true
					out.Reason = fmt.Sprintf("denied by policy graph edge %s", edge.ID)
				}
			case domain.EffectInjectSecret:
				out.Secrets = append(out.Secrets, edge.SecretName)
			case domain.EffectGrantNetwork:
				out.NetworkGrants = append(out.NetworkGrants, edge.GrantPatterns...)
			case domain.EffectGrantFS:
				out.FSGrants = append(out.FSGrants, edge.GrantPatterns...)
			}

			app := EffectApplication{
				EdgeID: edge.ID, SourceNodeID: edge.SourceNodeID, TargetNodeID: edge.TargetNodeID,
				Effect: edge.Effect, ActivationID: act.ID, At: now,
			}
			out.Applied = append(out.Applied, app)
			e.metrics.EffectsApplied.WithLabelValues(string(edge.Effect)).Inc()
			e.publish(eventbus.TypeGraphEffect, app)
		}
	}

	if !node.Dormant {
		fired, err := e.fire(ctx, node.ID, in, 0)
		out.Fired = fired
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// EndSession завершает все активации сессии.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, &domain.ValidationError{Field: "sessionId", Message: "session id is required"}
	}
	n, err := e.store.ExpireSession(ctx, sessionID, e.now())
	if err != nil {
		return 0, fmt.Errorf("expire session: %w", err)
	}
	e.publish(eventbus.TypeLifecycle, map[string]any{"session": sessionID, "expired": n})
	e.logger.Info("session ended", zap.String("session", sessionID), zap.Int("expired", n))
	return n, nil
}

// EndProcess завершает все активации процесса.
func (e *Engine) EndProcess(ctx context.Context, pid int) (int, error) {
	if pid <= 0 {
		return 0, &domain.ValidationError{Field: "pid", Message: "pid must be positive"}
	}
	n, err := e.store.ExpireProcess(ctx, pid, e.now())
	if err != nil {
		return 0, fmt.Errorf("expire process: %w", err)
	}
	e.publish(eventbus.TypeLifecycle, map[string]any{"pid": pid, "expired": n})
	e.logger.Info("process ended", zap.Int("pid", pid), zap.Int("expired", n))
	return n, nil
}

// PruneActivations удаляет поглощенные и истекшие активации.
func (e *Engine) PruneActivations(ctx context.Context) (int, error) {
	n, err := e.store.PruneActivations(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("prune activations: %w", err)
	}
	e.metrics.ActivationsPruned.Add(float64(n))
	return n, nil
}

// Close отменяет отложенные эффекты и ждет уже запущенные.
func (e *Engine) Close() {
	e.timersMu.Lock()
	e.closed = true
	for id, t := range e.timers {
		if t.Stop() {
			e.wg.Done()
			e.metrics.PendingEffects.Dec()
		}
		delete(e.timers, id)
	}
	e.timersMu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
