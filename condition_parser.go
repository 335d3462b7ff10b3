package zerotrust

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseCondition parses a compact condition expression into a native
// PolicyCondition. Supported forms:
//
//	trust_score > 0.8
//	trust_score < 0.3
//	mfa == true
//	device == true
//	location in [US, CA]
//	location not_in [KP, IR]
//	time in [9, 17]
//
// Parsing is deterministic and intentionally small; anything outside the
// grammar is an error rather than a guess.
func ParseCondition(s string) (PolicyCondition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PolicyCondition{}, fmt.Errorf("empty condition")
	}

	m := conditionRe.FindStringSubmatch(s)
	if m == nil {
		return PolicyCondition{}, fmt.Errorf("unparseable condition %q", s)
	}
	cond := PolicyCondition{Type: ConditionType(m[1])}
	switch cond.Type {
	case ConditionTrustScore, ConditionLocation, ConditionTime, ConditionDevice, ConditionMFA:
	default:
		return PolicyCondition{}, fmt.Errorf("unknown condition type %q", m[1])
	}

	switch m[2] {
	case ">":
		cond.Operator = OpGT
	case "<":
		cond.Operator = OpLT
	case "==":
		cond.Operator = OpEQ
	case "in":
		cond.Operator = OpIn
	case "not_in":
		cond.Operator = OpNotIn
	default:
		return PolicyCondition{}, fmt.Errorf("unknown operator %q", m[2])
	}

	raw := strings.TrimSpace(m[3])
	if cond.Operator == OpIn || cond.Operator == OpNotIn {
		if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
			return PolicyCondition{}, fmt.Errorf("operator %s requires a [a, b] list, got %q", cond.Operator, raw)
		}
		cond.Value = parseList(raw[1 : len(raw)-1])
		return cond, nil
	}
	cond.Value = parseScalar(raw)
	if cond.Operator == OpGT || cond.Operator == OpLT {
		if _, ok := cond.Value.(float64); !ok {
			return PolicyCondition{}, fmt.Errorf("operator %s requires a numeric value, got %q", cond.Operator, raw)
		}
	}
	return cond, nil
}

var conditionRe = regexp.MustCompile(`^([a-z_]+)\s*(>|<|==|not_in|in)\s*(.+)$`)

func parseScalar(raw string) any {
	raw = strings.Trim(raw, `"'`)
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func parseList(inner string) []any {
	parts := strings.Split(inner, ",")
	vals := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), `"'`))
		if p == "" {
			continue
		}
		vals = append(vals, parseScalar(p))
	}
	return vals
}

// FormatCondition renders a condition back into the compact expression form
// accepted by ParseCondition.
func FormatCondition(c PolicyCondition) string {
	var op string
	switch c.Operator {
	case OpGT:
		op = ">"
	case OpLT:
		op = "<"
	case OpEQ:
		op = "=="
	case OpIn:
		op = "in"
	case OpNotIn:
		op = "not_in"
	default:
		op = string(c.Operator)
	}
	if vals, ok := c.Value.([]any); ok {
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s %s [%s]", c.Type, op, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %v", c.Type, op, c.Value)
}
