package domain

type CallerType string

const (
	CallerAgent CallerType = "agent"
	CallerSkill CallerType = "skill"
)

// SourceLayer: слой, перехвативший операцию
type SourceLayer string

const (
	LayerInterceptor     SourceLayer = "interceptor"
	LayerNativeExtension SourceLayer = "native-extension"
)

// ExecutionContext описывает, кто и откуда инициировал операцию.
// Поля user/pid/ppid/session заполняет только нативный слой.
type ExecutionContext struct {
	CallerType  CallerType  `json:"callerType"`
	SkillSlug   string      `json:"skillSlug,omitempty"`
	AgentID     string      `json:"agentId,omitempty"`
	Depth       int         `json:"depth"`
	SourceLayer SourceLayer `json:"sourceLayer,omitempty"`

	User      string `json:"user,omitempty"`
	PID       int    `json:"pid,omitempty"`
	PPID      int    `json:"ppid,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ScopeTarget: ключ области действия узла графа: навык, если вызывает навык, иначе агент.
func (c *ExecutionContext) ScopeTarget() string {
	if c == nil {
		return ""
	}
	if c.CallerType == CallerSkill && c.SkillSlug != "" {
		return "skill:" + c.SkillSlug
	}
	if c.AgentID != "" {
		return "agent:" + c.AgentID
	}
	return ""
}

// ScopeUser: пользователь ОС из нативного слоя (если есть).
func (c *ExecutionContext) ScopeUser() string {
	if c == nil {
		return ""
	}
	return c.User
}

// EvaluationResult: итог проверки операции.
// Наличие PolicyID означает явное совпадение правила. Разрешение без PolicyID: это
// default-allow, и на границе доверия его нельзя приравнивать к явному разрешению.
type EvaluationResult struct {
	Allowed          bool              `json:"allowed"`
	PolicyID         string            `json:"policyId,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	DurationMs       int64             `json:"durationMs"`
	Sandbox          *SandboxConfig    `json:"sandbox,omitempty"`
	ExecutionContext *ExecutionContext `json:"executionContext,omitempty"`
}

// IsExplicit сообщает, что решение вынесено явным правилом, а не значением по умолчанию.
func (r *EvaluationResult) IsExplicit() bool {
	return r != nil && r.PolicyID != ""
}

// IsDefaultAllow: разрешение "по умолчанию", без явного правила.
func (r *EvaluationResult) IsDefaultAllow() bool {
	return r != nil && r.Allowed && r.PolicyID == ""
}
