package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EdgeEffect: эффект, который ребро применяет к целевому узлу при срабатывании
type EdgeEffect string

const (
	EffectActivate     EdgeEffect = "activate"
	EffectDeny         EdgeEffect = "deny"
	EffectInjectSecret EdgeEffect = "inject_secret"
	EffectGrantNetwork EdgeEffect = "grant_network"
	EffectGrantFS      EdgeEffect = "grant_fs"
	EffectRevoke       EdgeEffect = "revoke"
)

// Lifetime: окно действия активации ребра
type Lifetime string

const (
	LifetimeSession    Lifetime = "session"
	LifetimeProcess    Lifetime = "process"
	LifetimeOnce       Lifetime = "once"
	LifetimePersistent Lifetime = "persistent"
)

// PolicyNode: узел графа: одна политика в одной области (цель/пользователь).
// Создается при первой оценке политики в этой области.
type PolicyNode struct {
	ID          string          `json:"id"`
	PolicyID    string          `json:"policyId"`
	ScopeTarget string          `json:"scopeTarget,omitempty"`
	ScopeUser   string          `json:"scopeUser,omitempty"`
	Dormant     bool            `json:"dormant"` // Спящий узел не срабатывает
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PolicyEdge: условный эффект от одной политики к другой.
// Ребра образуют DAG: ацикличность проверяется при вставке.
type PolicyEdge struct {
	ID            string     `json:"id"`
	SourceNodeID  string     `json:"sourceNodeId"`
	TargetNodeID  string     `json:"targetNodeId"`
	Effect        EdgeEffect `json:"effect"`
	Lifetime      Lifetime   `json:"lifetime"`
	Priority      int        `json:"priority"`
	Condition     string     `json:"condition,omitempty"`
	SecretName    string     `json:"secretName,omitempty"`
	GrantPatterns []string   `json:"grantPatterns,omitempty"`
	DelayMs       int64      `json:"delayMs,omitempty"`
	Enabled       bool       `json:"enabled"`
}

// Delay: задержка применения эффекта.
func (e *PolicyEdge) Delay() time.Duration {
	return time.Duration(e.DelayMs) * time.Millisecond
}

// Validate отсекает битые ребра до записи: никакого частичного состояния.
func (e *PolicyEdge) Validate() error {
	if e.SourceNodeID == "" {
		return &ValidationError{Field: "sourceNodeId", Message: "source node is required"}
	}
	if e.TargetNodeID == "" {
		return &ValidationError{Field: "targetNodeId", Message: "target node is required"}
	}
	switch e.Effect {
	case EffectActivate, EffectDeny, EffectRevoke:
	case EffectInjectSecret:
		if e.SecretName == "" {
			return &ValidationError{Field: "secretName", Message: "inject_secret requires secretName"}
		}
	case EffectGrantNetwork, EffectGrantFS:
		if len(e.GrantPatterns) == 0 {
			return &ValidationError{Field: "grantPatterns", Message: fmt.Sprintf("%s requires grantPatterns", e.Effect)}
		}
	default:
		return &ValidationError{Field: "effect", Message: fmt.Sprintf("unknown effect %q", e.Effect)}
	}
	switch e.Lifetime {
	case LifetimeSession, LifetimeProcess, LifetimeOnce, LifetimePersistent:
	default:
		return &ValidationError{Field: "lifetime", Message: fmt.Sprintf("unknown lifetime %q", e.Lifetime)}
	}
	if e.DelayMs < 0 {
		return &ValidationError{Field: "delayMs", Message: "delay must not be negative"}
	}
	return nil
}

// EdgeActivation: сработавшее ребро, эффект которого сейчас в силе.
// ActivatedAt: момент вступления в силу (для отложенных эффектов лежит в будущем).
// Once: активация once-ребра. Поглощенная once-активация остается в хранилище отметкой
// "ребро уже сработало" и не дает ему сработать повторно.
type EdgeActivation struct {
	ID          string     `json:"id"`
	EdgeID      string     `json:"edgeId"`
	ActivatedAt time.Time  `json:"activatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ProcessID   int        `json:"processId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	Once        bool       `json:"once,omitempty"`
	Consumed    bool       `json:"consumed"`
}

// Spent: once-ребро уже сработало (отметка не истекает и не вычищается).
func (a *EdgeActivation) Spent() bool {
	return a.Once && a.Consumed
}

// IsActive: активация в силе на момент now: не поглощена, не истекла и уже вступила в силу.
func (a *EdgeActivation) IsActive(now time.Time) bool {
	if a.Consumed {
		return false
	}
	if a.ActivatedAt.After(now) {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}
