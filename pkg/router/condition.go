package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ksi-project/ksi/pkg/models"
)

// condition is a parsed transformer condition: one or more comparisons over
// data.* and context.* fields joined by &&. This deliberately stops short of
// a general expression language; transformer conditions in practice are
// "status equals X" style guards.
type condition struct {
	clauses []clause
}

type clause struct {
	field string // dotted path, data.* or context.*
	op    string // == != > >= < <= exists
	value any
}

// parseCondition parses expressions like:
//
//	data.status == "failed"
//	context.depth > 1 && data.retryable == true
//	exists(data.session_id)
//
// An empty expression returns a nil condition (always true).
func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var cond condition
	for _, part := range strings.Split(expr, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in condition %q", expr)
		}

		if strings.HasPrefix(part, "exists(") && strings.HasSuffix(part, ")") {
			field := strings.TrimSpace(part[len("exists(") : len(part)-1])
			if !isFieldPath(field) {
				return nil, fmt.Errorf("bad field %q in condition", field)
			}
			cond.clauses = append(cond.clauses, clause{field: field, op: "exists"})
			continue
		}

		op, idx := findOperator(part)
		if op == "" {
			return nil, fmt.Errorf("no operator in clause %q", part)
		}
		field := strings.TrimSpace(part[:idx])
		if !isFieldPath(field) {
			return nil, fmt.Errorf("bad field %q in condition", field)
		}
		value, err := parseLiteral(strings.TrimSpace(part[idx+len(op):]))
		if err != nil {
			return nil, fmt.Errorf("bad value in clause %q: %w", part, err)
		}
		cond.clauses = append(cond.clauses, clause{field: field, op: op, value: value})
	}
	return &cond, nil
}

// findOperator locates the comparison operator, longest match first.
func findOperator(s string) (string, int) {
	for _, op := range []string{"==", "!=", ">=", "<="} {
		if idx := strings.Index(s, op); idx >= 0 {
			return op, idx
		}
	}
	for _, op := range []string{">", "<"} {
		if idx := strings.Index(s, op); idx >= 0 {
			return op, idx
		}
	}
	return "", -1
}

func isFieldPath(s string) bool {
	return strings.HasPrefix(s, "data.") || strings.HasPrefix(s, "context.")
}

// parseLiteral understands quoted strings, numbers, booleans and null.
func parseLiteral(s string) (any, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("missing literal")
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case s == "null":
		return nil, nil
	case (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\''):
		if len(s) < 2 {
			return nil, fmt.Errorf("unterminated string %q", s)
		}
		return s[1 : len(s)-1], nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a literal: %q", s)
		}
		return f, nil
	}
}

// eval checks every clause against the event.
func (c *condition) eval(ev *models.Event) bool {
	for _, cl := range c.clauses {
		if !cl.eval(ev) {
			return false
		}
	}
	return true
}

func (cl *clause) eval(ev *models.Event) bool {
	actual, ok := lookupField(ev, cl.field)
	if cl.op == "exists" {
		return ok
	}
	if !ok {
		return false
	}

	switch cl.op {
	case "==":
		return looseEqual(actual, cl.value)
	case "!=":
		return !looseEqual(actual, cl.value)
	}

	// Ordered comparisons are numeric only.
	a, aok := toFloat(actual)
	b, bok := toFloat(cl.value)
	if !aok || !bok {
		return false
	}
	switch cl.op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}

// looseEqual compares with numeric coercion, since JSON decoding and Go
// handlers disagree about int vs float64.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
