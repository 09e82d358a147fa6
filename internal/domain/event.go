package domain

import "time"

// EventType: класс события аудита
type EventType string

const (
	EventAllowed      EventType = "allowed"
	EventDenied       EventType = "denied"
	EventOverridden   EventType = "overridden" // решение брокера заменено явным вердиктом демона
	EventSandboxError EventType = "sandbox_error"
	EventGraphEffect  EventType = "graph_effect"
)

// InterceptorEvent: запись аудита о перехваченной операции и принятом решении.
type InterceptorEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Operation OperationKind `json:"operation"`
	Target    string        `json:"target"`

	// Решение
	Allowed    bool   `json:"allowed"`
	PolicyID   string `json:"policyId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"durationMs"`

	// Кто инициировал
	Context *ExecutionContext `json:"context,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
