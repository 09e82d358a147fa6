package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agenshield/internal/domain"
)

// maxResponseSize ограничивает тело ответа: демон не должен уметь раздуть память брокера
const maxResponseSize = 1 << 20

// Client: JSON RPC клиент к демону.
// Любой сбой транспорта (сеть, таймаут, не-2xx, мусор в ответе) возвращается как *domain.TransportError,
// ошибка уровня RPC: как *Error.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
}

type ClientOption func(*Client)

// WithToken: bearer токен для заголовка Authorization
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient создает клиент для эндпоинта url (например, http://127.0.0.1:5200/rpc).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		timeout: DefaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call выполняет один вызов. Таймаут жесткий: по его истечении запрос бросается,
// поздний ответ не читается, повтора внутри вызова нет.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return err
	}
	req.ID = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &domain.TransportError{Op: method, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &domain.TransportError{Op: method, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return &domain.TransportError{Op: method, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &domain.TransportError{Op: method, Cause: err}
	}

	var rpcResp Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return &domain.TransportError{Op: method, Cause: fmt.Errorf("malformed response: %w", err)}
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return &domain.TransportError{Op: method, Cause: errors.New("malformed response: empty result")}
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return &domain.TransportError{Op: method, Cause: fmt.Errorf("malformed result: %w", err)}
	}
	return nil
}

// PolicyCheck запрашивает решение по операции.
func (c *Client) PolicyCheck(ctx context.Context, p PolicyCheckParams) (*PolicyCheckResult, error) {
	var res PolicyCheckResult
	if err := c.Call(ctx, MethodPolicyCheck, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EventsBatch доставляет пачку событий аудита.
func (c *Client) EventsBatch(ctx context.Context, events []domain.InterceptorEvent) error {
	return c.Call(ctx, MethodEventsBatch, EventsBatchParams{Events: events}, nil)
}

// LifecycleEnd сообщает о завершении сессии или процесса.
func (c *Client) LifecycleEnd(ctx context.Context, p LifecycleEndParams) (int, error) {
	var res LifecycleEndResult
	if err := c.Call(ctx, MethodLifecycleEnd, p, &res); err != nil {
		return 0, err
	}
	return res.Expired, nil
}

func (c *Client) EnsureNode(ctx context.Context, p NodeEnsureParams) (domain.PolicyNode, error) {
	var node domain.PolicyNode
	err := c.Call(ctx, MethodGraphNodeEnsure, p, &node)
	return node, err
}

// AddEdge добавляет ребро. Цикл возвращается как *Error с кодом cycle (errors.Is(err, domain.ErrCycle)).
func (c *Client) AddEdge(ctx context.Context, edge domain.PolicyEdge) (domain.PolicyEdge, error) {
	var out domain.PolicyEdge
	err := c.Call(ctx, MethodGraphEdgeAdd, EdgeAddParams{Edge: edge}, &out)
	return out, err
}

func (c *Client) RemoveEdge(ctx context.Context, edgeID string) (bool, error) {
	var res EdgeRemoveResult
	if err := c.Call(ctx, MethodGraphEdgeRemove, EdgeRemoveParams{EdgeID: edgeID}, &res); err != nil {
		return false, err
	}
	return res.Removed, nil
}
