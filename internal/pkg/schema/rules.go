package schema

import "strings"

// RuleMode quantifies rule conditions.
type RuleMode string

const (
	ModeAll RuleMode = "all"
	ModeAny RuleMode = "any"
)

// Operator is a normalized condition operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// operatorAliases folds accepted spellings onto canonical operators.
// Input is lower-cased before lookup; unlisted spellings are rejected.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "=": OpEq, "==": OpEq,
	"neq": OpNeq, "!=": OpNeq, "<>": OpNeq,
	"gt": OpGt, ">": OpGt,
	"gte": OpGte, ">=": OpGte,
	"lt": OpLt, "<": OpLt,
	"lte": OpLte, "<=": OpLte,
	"in": OpIn, "not_in": OpNotIn, "nin": OpNotIn,
	"contains": OpContains, "includes": OpContains,
	"not_contains": OpNotContains, "not_includes": OpNotContains,
	"exists": OpExists, "not_exists": OpNotExists,
}

// ActionType is a normalized visibility action.
type ActionType string

const (
	ActionShow ActionType = "show"
	ActionHide ActionType = "hide"
)

// Condition compares one registry field's submitted value against a literal.
type Condition struct {
	FieldID  string
	Operator Operator
	Value    any
}

// Action overwrites visibility for one registry field.
type Action struct {
	Type          ActionType
	TargetFieldID string
}

// NormalizedRule is one visibility rule in declared order.
type NormalizedRule struct {
	Mode       RuleMode
	Conditions []Condition
	Actions    []Action
}

var (
	conditionKeyAliases = []string{"if", "when", "conditions"}
	actionKeyAliases    = []string{"then", "action", "actions"}
	targetAliases       = []string{"target", "target_field_id", "targetFieldId", "field_id", "fieldId", "field", "id", "key", "name"}
)

func parseRules(root map[string]any, contract *Contract) ([]NormalizedRule, *ContractError) {
	rawLogic, present := root["logic"]
	if !present {
		return nil, nil
	}
	arr, ok := rawLogic.([]any)
	if !ok {
		return nil, contractErrf("schema \"logic\" must be an array")
	}

	var rules []NormalizedRule
	for i, entry := range arr {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, contractErrf("logic rule at index %d must be an object", i)
		}
		if ruleDisabled(obj) {
			continue
		}

		rule, cerr := parseRule(i, obj, contract)
		if cerr != nil {
			return nil, cerr
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

func ruleDisabled(obj map[string]any) bool {
	for _, key := range []string{"enabled", "isActive"} {
		if v, ok := obj[key].(bool); ok && !v {
			return true
		}
	}
	return false
}

func parseRule(index int, obj map[string]any, contract *Contract) (*NormalizedRule, *ContractError) {
	rawCond, found := firstAliasValue(obj, conditionKeyAliases)
	if !found {
		return nil, contractErrf("logic rule at index %d has no condition", index)
	}
	rawAction, found := firstAliasValue(obj, actionKeyAliases)
	if !found {
		return nil, contractErrf("logic rule at index %d has no action", index)
	}

	mode, conditions, cerr := parseConditions(index, rawCond, contract)
	if cerr != nil {
		return nil, cerr
	}
	actions, cerr := parseActions(index, rawAction, contract)
	if cerr != nil {
		return nil, cerr
	}

	return &NormalizedRule{Mode: mode, Conditions: conditions, Actions: actions}, nil
}

func parseConditions(index int, raw any, contract *Contract) (RuleMode, []Condition, *ContractError) {
	switch v := raw.(type) {
	case []any:
		conditions, cerr := parseConditionList(index, v, contract)
		return ModeAll, conditions, cerr
	case map[string]any:
		rawAll, hasAll := v["all"]
		rawAny, hasAny := v["any"]
		switch {
		case hasAll && hasAny:
			return "", nil, contractErrf("logic rule at index %d mixes \"all\" and \"any\"", index)
		case hasAll:
			list, ok := rawAll.([]any)
			if !ok {
				return "", nil, contractErrf("logic rule at index %d \"all\" must be an array", index)
			}
			conditions, cerr := parseConditionList(index, list, contract)
			return ModeAll, conditions, cerr
		case hasAny:
			list, ok := rawAny.([]any)
			if !ok {
				return "", nil, contractErrf("logic rule at index %d \"any\" must be an array", index)
			}
			conditions, cerr := parseConditionList(index, list, contract)
			return ModeAny, conditions, cerr
		default:
			// A bare object is a single condition.
			cond, cerr := parseCondition(index, v, contract)
			if cerr != nil {
				return "", nil, cerr
			}
			return ModeAll, []Condition{*cond}, nil
		}
	default:
		return "", nil, contractErrf("logic rule at index %d has an unsupported condition shape", index)
	}
}

func parseConditionList(index int, list []any, contract *Contract) ([]Condition, *ContractError) {
	conditions := make([]Condition, 0, len(list))
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, contractErrf("logic rule at index %d has a non-object condition", index)
		}
		cond, cerr := parseCondition(index, obj, contract)
		if cerr != nil {
			return nil, cerr
		}
		conditions = append(conditions, *cond)
	}
	return conditions, nil
}

func parseCondition(index int, obj map[string]any, contract *Contract) (*Condition, *ContractError) {
	fieldID := firstAliasString(obj, idAliases)
	if fieldID == "" {
		return nil, contractErrf("logic rule at index %d condition is missing a field id", index)
	}
	if _, exists := contract.Fields[fieldID]; !exists {
		return nil, contractErrf("logic rule at index %d references unknown field %q", index, fieldID)
	}

	rawOp, found := firstAliasValue(obj, []string{"operator", "op"})
	if !found {
		return nil, contractErrf("logic rule at index %d condition is missing an operator", index)
	}
	opStr, ok := rawOp.(string)
	if !ok {
		return nil, contractErrf("logic rule at index %d operator must be a string", index)
	}
	op, supported := operatorAliases[strings.ToLower(strings.TrimSpace(opStr))]
	if !supported {
		return nil, contractErrf("logic rule at index %d has unsupported operator %q", index, opStr)
	}

	value, hasValue := obj["value"]

	switch op {
	case OpExists, OpNotExists:
		if hasValue && value != nil {
			return nil, contractErrf("logic rule at index %d operator %q accepts no value", index, op)
		}
	case OpIn, OpNotIn:
		list, ok := value.([]any)
		if !ok {
			return nil, contractErrf("logic rule at index %d operator %q requires an array value", index, op)
		}
		for _, member := range list {
			if !isPrimitive(member) {
				return nil, contractErrf("logic rule at index %d operator %q requires primitive array members", index, op)
			}
		}
	case OpContains, OpNotContains:
		if !isPrimitive(value) {
			return nil, contractErrf("logic rule at index %d operator %q requires a primitive value", index, op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		switch value.(type) {
		case float64, string:
		default:
			return nil, contractErrf("logic rule at index %d operator %q requires a number or string value", index, op)
		}
	}

	return &Condition{FieldID: fieldID, Operator: op, Value: value}, nil
}

func parseActions(index int, raw any, contract *Contract) ([]Action, *ContractError) {
	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case map[string]any:
		entries = []any{v}
	default:
		return nil, contractErrf("logic rule at index %d has an unsupported action shape", index)
	}

	actions := make([]Action, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, contractErrf("logic rule at index %d has a non-object action", index)
		}
		action, cerr := parseAction(index, obj, contract)
		if cerr != nil {
			return nil, cerr
		}
		actions = append(actions, *action)
	}
	return actions, nil
}

func parseAction(index int, obj map[string]any, contract *Contract) (*Action, *ContractError) {
	rawType, found := firstAliasValue(obj, []string{"type", "action"})
	if !found {
		return nil, contractErrf("logic rule at index %d action is missing a type", index)
	}
	typeStr, ok := rawType.(string)
	if !ok {
		return nil, contractErrf("logic rule at index %d action type must be a string", index)
	}

	var actionType ActionType
	switch strings.ToLower(strings.TrimSpace(typeStr)) {
	case "show", "show_field":
		actionType = ActionShow
	case "hide", "hide_field":
		actionType = ActionHide
	case "set_visibility":
		visible, ok := obj["visible"].(bool)
		if !ok {
			return nil, contractErrf("logic rule at index %d set_visibility requires a boolean \"visible\"", index)
		}
		if visible {
			actionType = ActionShow
		} else {
			actionType = ActionHide
		}
	default:
		return nil, contractErrf("logic rule at index %d has unsupported action %q", index, typeStr)
	}

	target := firstAliasString(obj, targetAliases)
	if target == "" {
		return nil, contractErrf("logic rule at index %d action is missing a target field", index)
	}
	if _, exists := contract.Fields[target]; !exists {
		return nil, contractErrf("logic rule at index %d action targets unknown field %q", index, target)
	}

	return &Action{Type: actionType, TargetFieldID: target}, nil
}

func firstAliasValue(obj map[string]any, aliases []string) (any, bool) {
	for _, alias := range aliases {
		if v, present := obj[alias]; present {
			return v, true
		}
	}
	return nil, false
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}
