package graph

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Поля, доступные в условии ребра
var conditionFields = map[string]bool{
	"agent":     true,
	"skill":     true,
	"caller":    true,
	"layer":     true,
	"user":      true,
	"session":   true,
	"operation": true,
	"target":    true,
	"depth":     true,
}

// Операторы в порядке поиска: двухсимвольные раньше односимвольных
var conditionOps = []string{"==", "!=", "=~", ">=", "<=", ">", "<"}

type clause struct {
	field string
	op    string
	value string
	num   int
}

// Condition: конъюнкция простых сравнений:
//
//	skill == web-search && depth >= 2 && target =~ "/workspace/**"
//
// =~: doublestar-glob, числовые сравнения допустимы только для depth.
type Condition struct {
	clauses []clause
}

// ParseCondition разбирает выражение. Пустая строка: условие всегда истинно (nil).
func ParseCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	c := &Condition{}
	for _, part := range strings.Split(expr, "&&") {
		cl, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", expr, err)
		}
		c.clauses = append(c.clauses, cl)
	}
	return c, nil
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, fmt.Errorf("empty clause")
	}
	pos, op := -1, ""
	for i := 0; i < len(s) && pos < 0; i++ {
		for _, candidate := range conditionOps {
			if strings.HasPrefix(s[i:], candidate) {
				pos, op = i, candidate
				break
			}
		}
	}
	if pos < 0 {
		return clause{}, fmt.Errorf("no operator in %q", s)
	}

	cl := clause{
		field: strings.TrimSpace(s[:pos]),
		op:    op,
		value: unquote(strings.TrimSpace(s[pos+len(op):])),
	}
	if !conditionFields[cl.field] {
		return clause{}, fmt.Errorf("unknown field %q", cl.field)
	}

	switch op {
	case ">", "<", ">=", "<=":
		if cl.field != "depth" {
			return clause{}, fmt.Errorf("operator %s requires a numeric field", op)
		}
		n, err := strconv.Atoi(cl.value)
		if err != nil {
			return clause{}, fmt.Errorf("depth compares with integer, got %q", cl.value)
		}
		cl.num = n
	case "=~":
		if !doublestar.ValidatePattern(cl.value) {
			return clause{}, fmt.Errorf("invalid glob %q", cl.value)
		}
	}
	return cl, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Eval проверяет условие на окружении срабатывания. nil-условие истинно.
func (c *Condition) Eval(env map[string]string) (bool, error) {
	if c == nil {
		return true, nil
	}
	for _, cl := range c.clauses {
		got := env[cl.field]
		var ok bool
		switch cl.op {
		case "==":
			ok = got == cl.value
		case "!=":
			ok = got != cl.value
		case "=~":
			m, err := doublestar.Match(cl.value, got)
			if err != nil {
				return false, err
			}
			ok = m
		default:
			n, err := strconv.Atoi(got)
			if err != nil {
				return false, fmt.Errorf("field %s is not numeric: %q", cl.field, got)
			}
			switch cl.op {
			case ">":
				ok = n > cl.num
			case "<":
				ok = n < cl.num
			case ">=":
				ok = n >= cl.num
			case "<=":
				ok = n <= cl.num
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// conditionCache: разобранные условия по тексту выражения
type conditionCache struct {
	m sync.Map // string -> *Condition | error
}

func (cc *conditionCache) get(expr string) (*Condition, error) {
	if v, ok := cc.m.Load(expr); ok {
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		return v.(*Condition), nil
	}
	c, err := ParseCondition(expr)
	if err != nil {
		cc.m.Store(expr, err)
		return nil, err
	}
	cc.m.Store(expr, c)
	return c, nil
}
