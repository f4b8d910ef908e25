package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Visibility computes the per-submission visibility mapping: every field
// starts at its default, then rules apply in declared order with later rules
// overwriting earlier ones for the same target.
func (c *Contract) Visibility(data map[string]any) map[string]bool {
	visible := make(map[string]bool, len(c.FieldOrder))
	for _, id := range c.FieldOrder {
		visible[id] = c.Fields[id].DefaultVisible
	}

	for _, rule := range c.Rules {
		if !rule.matches(data) {
			continue
		}
		for _, action := range rule.Actions {
			visible[action.TargetFieldID] = action.Type == ActionShow
		}
	}
	return visible
}

func (r *NormalizedRule) matches(data map[string]any) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, cond := range r.Conditions {
		ok := cond.evaluate(data)
		if r.Mode == ModeAny && ok {
			return true
		}
		if r.Mode != ModeAny && !ok {
			return false
		}
	}
	return r.Mode != ModeAny
}

func (cond *Condition) evaluate(data map[string]any) bool {
	actual, present := data[cond.FieldID]

	switch cond.Operator {
	case OpEq:
		return jsonEqual(actual, cond.Value)
	case OpNeq:
		return !jsonEqual(actual, cond.Value)
	case OpIn:
		return jsonMember(cond.Value, actual)
	case OpNotIn:
		return !jsonMember(cond.Value, actual)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(cond.Operator, actual, cond.Value)
	case OpContains:
		return containsValue(actual, cond.Value)
	case OpNotContains:
		if isEmptyValue(actual, present) {
			return true
		}
		return !containsValue(actual, cond.Value)
	case OpExists:
		return valueExists(actual, present)
	case OpNotExists:
		return !valueExists(actual, present)
	}
	return false
}

// jsonEqual is structural equality over canonical JSON encodings.
func jsonEqual(a, b any) bool {
	ca, errA := json.Marshal(a)
	cb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}

func jsonMember(list any, candidate any) bool {
	members, ok := list.([]any)
	if !ok {
		return false
	}
	for _, member := range members {
		if jsonEqual(member, candidate) {
			return true
		}
	}
	return false
}

func compareOrdered(op Operator, actual, expected any) bool {
	if an, aok := coerceNumber(actual); aok {
		if en, eok := coerceNumber(expected); eok {
			return orderedResult(op, compareFloat(an, en))
		}
	}
	at, aok := coerceDatetime(actual)
	et, eok := coerceDatetime(expected)
	if !aok || !eok {
		return false
	}
	switch {
	case at.Before(et):
		return orderedResult(op, -1)
	case at.After(et):
		return orderedResult(op, 1)
	default:
		return orderedResult(op, 0)
	}
}

func orderedResult(op Operator, cmp int) bool {
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func coerceDatetime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func containsValue(actual, expected any) bool {
	if as, ok := actual.(string); ok {
		if es, ok := expected.(string); ok {
			return strings.Contains(as, es)
		}
		return false
	}
	if arr, ok := actual.([]any); ok {
		for _, member := range arr {
			if jsonEqual(member, expected) {
				return true
			}
		}
	}
	return false
}

func isEmptyValue(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func valueExists(v any, present bool) bool {
	if !present || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	}
	return true
}
