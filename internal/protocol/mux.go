package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// maxRequestSize ограничивает тело входящего вызова
const maxRequestSize = 4 << 20

// HandlerFunc обрабатывает один метод. Возвращенное значение становится result ответа.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Mux: диспетчер методов JSON RPC поверх одного HTTP эндпоинта.
// Ошибки уровня RPC отдаются с кодом 200 в конверте error, не-2xx означает сбой транспорта.
type Mux struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewMux(logger *zap.Logger) *Mux {
	return &Mux{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.Named("rpc"),
	}
}

// Handle регистрирует обработчик метода.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.handlers[method] = h
}

// Methods: зарегистрированные методы.
func (m *Mux) Methods() []string {
	out := make([]string, 0, len(m.handlers))
	for method := range m.handlers {
		out = append(out, method)
	}
	return out
}

// Dispatch выполняет запрос и упаковывает результат в конверт.
func (m *Mux) Dispatch(ctx context.Context, req Request) Response {
	h, ok := m.handlers[req.Method]
	if !ok {
		return Failure(req.ID, &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method})
	}
	res, err := h(ctx, req)
	if err != nil {
		rpcErr := ErrorFrom(err)
		if rpcErr.Code == CodeInternal {
			m.logger.Error("rpc handler failed", zap.String("method", req.Method), zap.Error(err))
		}
		return Response{ID: req.ID, Error: rpcErr}
	}
	return Result(req.ID, res)
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, Failure("", &Error{Code: CodeInvalidRequest, Message: "malformed request body"}))
		return
	}
	writeResponse(w, http.StatusOK, m.Dispatch(r.Context(), req))
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
