// Package protocol описывает JSON RPC между перехватчиками, брокером и демоном.
// Все вызовы идут через POST /rpc с телом {"method", "params"}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
)

// Методы RPC
const (
	MethodPolicyCheck     = "policy_check"
	MethodEventsBatch     = "events_batch"
	MethodLifecycleEnd    = "lifecycle_end"
	MethodGraphNodeEnsure = "graph_node_ensure"
	MethodGraphEdgeAdd    = "graph_edge_add"
	MethodGraphEdgeRemove = "graph_edge_remove"
)

// DefaultTimeout: жесткий клиентский таймаут любого вызова
const DefaultTimeout = 2000 * time.Millisecond

// Коды ошибок RPC
const (
	CodeInvalidRequest = "invalid_request"
	CodeMethodNotFound = "method_not_found"
	CodeValidation     = "validation"
	CodeCycle          = "cycle"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal"
)

type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error: ошибка уровня протокола. Код сохраняет класс доменной ошибки при передаче по сети.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "rpc: " + e.Message
	}
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

// Is сопоставляет код с sentinel-ошибками domain, чтобы клиент мог писать errors.Is(err, domain.ErrCycle).
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeCycle:
		return target == domain.ErrCycle
	case CodeValidation, CodeInvalidRequest:
		return target == domain.ErrValidation
	case CodeNotFound:
		return target == domain.ErrNotFound
	}
	return false
}

// ErrorFrom переводит ошибку ядра в ошибку протокола.
func ErrorFrom(err error) *Error {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, domain.ErrCycle):
		return &Error{Code: CodeCycle, Message: err.Error()}
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrCompile):
		return &Error{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

// PolicyCheckParams: запрос решения по операции
type PolicyCheckParams struct {
	Operation domain.OperationKind     `json:"operation"`
	Target    string                   `json:"target"`
	Context   *domain.ExecutionContext `json:"context,omitempty"`
}

// Op строит типизированную операцию. Битая пара (operation, target) отсекается здесь, на входе.
func (p PolicyCheckParams) Op() (domain.Operation, error) {
	return domain.NewOperation(p.Operation, p.Target)
}

// PolicyCheckResult: ответ на policy_check
type PolicyCheckResult = domain.EvaluationResult

type EventsBatchParams struct {
	Events []domain.InterceptorEvent `json:"events"`
}

type EventsBatchResult struct {
	Accepted int `json:"accepted"`
}

// LifecycleEndParams: завершение сессии и/или процесса
type LifecycleEndParams struct {
	SessionID string `json:"sessionId,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

type LifecycleEndResult struct {
	Expired int `json:"expired"`
}

type NodeEnsureParams struct {
	PolicyID    string `json:"policyId"`
	ScopeTarget string `json:"scopeTarget,omitempty"`
	ScopeUser   string `json:"scopeUser,omitempty"`
}

type EdgeAddParams struct {
	Edge domain.PolicyEdge `json:"edge"`
}

type EdgeRemoveParams struct {
	EdgeID string `json:"edgeId"`
}

type EdgeRemoveResult struct {
	Removed bool `json:"removed"`
}

// NewRequest упаковывает параметры в конверт.
func NewRequest(method string, params any) (Request, error) {
	req := Request{Method: method}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	req.Params = raw
	return req, nil
}

// DecodeParams разбирает params в dst. Ошибка разбора: ошибка клиента.
func (r Request) DecodeParams(dst any) error {
	if len(r.Params) == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "params are required"}
	}
	if err := json.Unmarshal(r.Params, dst); err != nil {
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("bad %s params: %v", r.Method, err)}
	}
	return nil
}

// Result формирует успешный ответ.
func Result(id string, v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure(id, err)
	}
	return Response{ID: id, Result: raw}
}

// Failure формирует ответ с ошибкой.
func Failure(id string, err error) Response {
	return Response{ID: id, Error: ErrorFrom(err)}
}
