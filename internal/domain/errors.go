package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Конкретные типы оборачивают эти sentinel-ошибки,
// поэтому вызывающий код проверяет класс через errors.Is, а детали: через errors.As.
var (
	ErrMatch      = errors.New("match error")
	ErrTransport  = errors.New("transport error")
	ErrCycle      = errors.New("edge would create a cycle")
	ErrValidation = errors.New("validation error")
	ErrCompile    = errors.New("sandbox compile error")
	ErrNotFound   = errors.New("not found")
)

// MatchError: битый паттерн правила. Правило пропускается, оценка продолжается.
type MatchError struct {
	RuleID  string
	Pattern string
	Cause   error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("rule %s: bad pattern %q: %v", e.RuleID, e.Pattern, e.Cause)
}

func (e *MatchError) Unwrap() []error { return []error{ErrMatch, e.Cause} }

// TransportError: удаленный арбитр недоступен или ответил мусором.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Cause} }

// CycleError: вставка ребра замкнула бы цикл.
type CycleError struct {
	SourceID string
	TargetID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a cycle", e.SourceID, e.TargetID)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// ValidationError: битые входные данные узла/ребра/активации.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CompileError: из конфигурации нельзя собрать валидный профиль песочницы.
type CompileError struct {
	Field   string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Field, e.Message)
}

func (e *CompileError) Unwrap() error { return ErrCompile }
