package domain

import (
	"fmt"
	"time"
)

// PolicyAction определяет, что делать с операцией при совпадении правила
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow" // Разрешить
	ActionDeny  PolicyAction = "deny"  // Заблокировать

	// ActionApproval требует ручного подтверждения (HITL). Сам поток согласования живет вне ядра,
	// поэтому до решения оператора операция считается запрещенной.
	ActionApproval PolicyAction = "approval"
)

// TargetType: класс ресурса, к которому относится правило
type TargetType string

const (
	TargetSkill      TargetType = "skill"
	TargetCommand    TargetType = "command"
	TargetURL        TargetType = "url"
	TargetFilesystem TargetType = "filesystem"
)

// RuleScope ограничивает правило конкретным агентом и/или навыком (skill).
// Пустое поле означает "любой".
type RuleScope struct {
	AgentID   string `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	SkillSlug string `json:"skillSlug,omitempty" yaml:"skillSlug,omitempty"`
}

// Matches проверяет, попадает ли контекст исполнения в область действия правила.
func (s *RuleScope) Matches(ectx *ExecutionContext) bool {
	if s == nil {
		return true
	}
	if ectx == nil {
		// Ограниченное правило без контекста не применяется (Zero Trust к пустому контексту)
		return s.AgentID == "" && s.SkillSlug == ""
	}
	if s.AgentID != "" && s.AgentID != ectx.AgentID {
		return false
	}
	if s.SkillSlug != "" && s.SkillSlug != ectx.SkillSlug {
		return false
	}
	return true
}

// PolicyRule: правило безопасности для одного класса ресурсов.
// После попадания в снапшот энфорсера не меняется: администрирование живет вне ядра.
type PolicyRule struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Action     PolicyAction    `json:"action" yaml:"action"`
	Target     TargetType      `json:"target" yaml:"target"`
	Operations []OperationKind `json:"operations,omitempty" yaml:"operations,omitempty"` // Пусто: любые операции этого класса
	Patterns   []string        `json:"patterns" yaml:"patterns"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Priority   int             `json:"priority" yaml:"priority"` // Больше: раньше
	Scope      *RuleScope      `json:"scope,omitempty" yaml:"scope,omitempty"`

	// Sandbox: ограничения песочницы, которые разрешающее правило для команд навешивает на исполнение
	Sandbox *SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Decide: метод-интерпретатор. Гарантирует валидный результат,
// даже если правило пришло битым из хранилища (Zero Trust).
func (r *PolicyRule) Decide() (allowed bool, reason string) {
	if r == nil {
		return false, "no policy"
	}
	switch r.Action {
	case ActionAllow:
		return true, fmt.Sprintf("allowed by policy %q", r.label())
	case ActionApproval:
		return false, fmt.Sprintf("approval required by policy %q", r.label())
	default:
		// deny и любой неизвестный эффект: запрет
		return false, fmt.Sprintf("denied by policy %q", r.label())
	}
}

func (r *PolicyRule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Validate проверяет структурную корректность правила перед загрузкой в снапшот.
func (r *PolicyRule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule id is required"}
	}
	switch r.Action {
	case ActionAllow, ActionDeny, ActionApproval:
	default:
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", r.Action)}
	}
	switch r.Target {
	case TargetSkill, TargetCommand, TargetURL, TargetFilesystem:
	default:
		return &ValidationError{Field: "target", Message: fmt.Sprintf("unknown target %q", r.Target)}
	}
	for _, op := range r.Operations {
		if op.Target() != r.Target {
			return &ValidationError{
				Field:   "operations",
				Message: fmt.Sprintf("operation %q does not belong to target %q", op, r.Target),
			}
		}
	}
	return nil
}
