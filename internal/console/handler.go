// Package console: read-only админка демона: правила, граф и состояние очередей.
// Меняет граф только RPC (graph_*), здесь лишь чтение.
package console

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/graph"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"go.uber.org/zap"
)

// RuleLister: текущий снапшот энфорсера (policy.Enforcer)
type RuleLister interface {
	Rules() []domain.PolicyRule
	DefaultAction() domain.PolicyAction
}

// GraphReader: чтение графа (graph.Engine)
type GraphReader interface {
	Nodes(ctx context.Context, f graph.NodeFilter) ([]domain.PolicyNode, error)
	Edges() []domain.PolicyEdge
}

// Status: сводка для дашборда
type Status struct {
	DefaultAction domain.PolicyAction `json:"defaultAction"`
	Rules         int                 `json:"rules"`
	Nodes         int                 `json:"nodes"`
	DormantNodes  int                 `json:"dormantNodes"`
	Edges         int                 `json:"edges"`
	AuditQueue    int                 `json:"auditQueue"`
}

type Handler struct {
	rules    RuleLister
	graph    GraphReader
	queueLen func() int
	logger   *zap.Logger
}

// NewHandler. graph и queueLen могут быть nil: соответствующие разделы пустые.
func NewHandler(rules RuleLister, g GraphReader, queueLen func() int, logger *zap.Logger) *Handler {
	return &Handler{rules: rules, graph: g, queueLen: queueLen, logger: logger.Named("console")}
}

// Routes монтируется под /v1/admin за auth middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Get("/{id}", h.GetRule)
	})
	r.Route("/graph", func(r chi.Router) {
		r.Use(requireScope(domain.ScopeGraphAdmin))
		r.Get("/nodes", h.ListNodes)
		r.Get("/edges", h.ListEdges)
	})
	return r
}

func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.HasScope(r.Context(), scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListRules возвращает правила в порядке оценки: приоритет по убыванию, затем порядок объявления.
// GET /v1/admin/rules?target=filesystem
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.Rules()
	if t := r.URL.Query().Get("target"); t != "" {
		rules = slices.DeleteFunc(rules, func(p domain.PolicyRule) bool { return string(p.Target) != t })
	}
	slices.SortStableFunc(rules, func(a, b domain.PolicyRule) int { return b.Priority - a.Priority })
	h.writeJSON(w, rules)
}

// GetRule возвращает правило по ID.
// GET /v1/admin/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rule := range h.rules.Rules() {
		if rule.ID == id {
			h.writeJSON(w, rule)
			return
		}
	}
	http.Error(w, "Rule not found", http.StatusNotFound)
}

// ListNodes: узлы графа с фильтрами policy_id и scope.
// GET /v1/admin/graph/nodes?policy_id=...&scope=agent:a1
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		h.writeJSON(w, []domain.PolicyNode{})
		return
	}
	q := r.URL.Query()
	nodes, err := h.graph.Nodes(r.Context(), graph.NodeFilter{PolicyID: q.Get("policy_id"), ScopeTarget: q.Get("scope")})
	if err != nil {
		h.logger.Error("list graph nodes failed", zap.Error(err))
		http.Error(w, "Failed to fetch nodes", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, nodes)
}

// ListEdges: ребра графа.
// GET /v1/admin/graph/edges
func (h *Handler) ListEdges(w http.ResponseWriter, _ *http.Request) {
	if h.graph == nil {
		h.writeJSON(w, []domain.PolicyEdge{})
		return
	}
	h.writeJSON(w, h.graph.Edges())
}

// GetStatus собирает сводку. Ошибка чтения узлов не валит дашборд.
// GET /v1/admin/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		DefaultAction: h.rules.DefaultAction(),
		Rules:         len(h.rules.Rules()),
	}
	if h.graph != nil {
		st.Edges = len(h.graph.Edges())
		nodes, err := h.graph.Nodes(r.Context(), graph.NodeFilter{})
		if err != nil {
			h.logger.Warn("status: list nodes failed", zap.Error(err))
		}
		st.Nodes = len(nodes)
		for _, n := range nodes {
			if n.Dormant {
				st.DormantNodes++
			}
		}
	}
	if h.queueLen != nil {
		st.AuditQueue = h.queueLen()
	}
	h.writeJSON(w, st)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", zap.Error(err))
	}
}
