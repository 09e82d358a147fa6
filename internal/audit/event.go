package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agenshield/internal/domain"
)

// DecisionEvent строит событие аудита из результата проверки операции.
func DecisionEvent(op domain.Operation, res domain.EvaluationResult) domain.InterceptorEvent {
	typ := domain.EventDenied
	if res.Allowed {
		typ = domain.EventAllowed
	}
	ev := domain.InterceptorEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Allowed:    res.Allowed,
		PolicyID:   res.PolicyID,
		Reason:     res.Reason,
		DurationMs: res.DurationMs,
		Context:    res.ExecutionContext,
		Timestamp:  time.Now().UTC(),
	}
	if op != nil {
		ev.Operation = op.Kind()
		ev.Target = op.Subject()
	}
	return ev
}

// OverrideEvent: локальное решение заменено явным вердиктом демона.
func OverrideEvent(op domain.Operation, local, remote domain.EvaluationResult) domain.InterceptorEvent {
	ev := DecisionEvent(op, remote)
	ev.Type = domain.EventOverridden
	if local.Allowed != remote.Allowed {
		ev.Reason = remote.Reason + " (overrides local " + verdict(local.Allowed) + ")"
	}
	return ev
}

// SandboxErrorEvent: профиль песочницы не собрался, операция отклонена.
func SandboxErrorEvent(op domain.Operation, res domain.EvaluationResult, err error) domain.InterceptorEvent {
	ev := DecisionEvent(op, res)
	ev.Type = domain.EventSandboxError
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func verdict(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
