package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// FieldType enumerates the supported field kinds.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldEmail       FieldType = "email"
	FieldNumber      FieldType = "number"
	FieldTel         FieldType = "tel"
	FieldURL         FieldType = "url"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
	FieldTime        FieldType = "time"
	FieldRadio       FieldType = "radio"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldBoolean     FieldType = "boolean"
	FieldRating      FieldType = "rating"
)

var supportedFieldTypes = map[FieldType]struct{}{
	FieldText: {}, FieldTextarea: {}, FieldEmail: {}, FieldNumber: {},
	FieldTel: {}, FieldURL: {}, FieldDate: {}, FieldDatetime: {},
	FieldTime: {}, FieldRadio: {}, FieldSelect: {}, FieldMultiselect: {},
	FieldCheckbox: {}, FieldBoolean: {}, FieldRating: {},
}

// Alias sets are fixed lookups; resolution never reflects on object shape.
var (
	idAliases   = []string{"id", "field_id", "fieldId", "key", "name"}
	typeAliases = []string{"type", "field_type", "fieldType"}
)

var supportedValidationKeys = map[string]struct{}{
	"required": {}, "min": {}, "max": {}, "minLength": {},
	"maxLength": {}, "pattern": {}, "options": {},
}

// NormalizedField is the strict registry entry for one field.
type NormalizedField struct {
	ID             string
	Type           FieldType
	DefaultVisible bool
	Required       bool
	Min            *float64
	Max            *float64
	MinLength      *int
	MaxLength      *int
	Pattern        *regexp.Regexp
	Options        []any
}

func (f *NormalizedField) needsOptions() bool {
	switch f.Type {
	case FieldRadio, FieldSelect, FieldMultiselect:
		return true
	}
	return false
}

// Contract is the normalized form of a published schema: an insertion-ordered
// field registry plus an ordered rule list.
type Contract struct {
	FieldOrder []string
	Fields     map[string]*NormalizedField
	Rules      []NormalizedRule
}

// Field looks up a registry entry by id.
func (c *Contract) Field(id string) (*NormalizedField, bool) {
	f, ok := c.Fields[id]
	return f, ok
}

// ContractError carries the human-readable issues that made a schema
// unsupported. Parsing fails closed on the first fault.
type ContractError struct {
	Issues []string
}

func (e *ContractError) Error() string {
	return "unsupported form schema: " + strings.Join(e.Issues, "; ")
}

func contractErrf(format string, args ...any) *ContractError {
	return &ContractError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// ParseContract normalizes a raw published schema into a Contract, or fails
// with a ContractError on the first violation.
func ParseContract(raw []byte) (*Contract, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, contractErrf("schema is not valid JSON: %v", err)
	}
	rootObj, ok := root.(map[string]any)
	if !ok {
		return nil, contractErrf("schema root must be an object")
	}

	defs, cerr := collectFieldDefs(rootObj)
	if cerr != nil {
		return nil, cerr
	}

	contract := &Contract{Fields: make(map[string]*NormalizedField, len(defs))}
	for _, def := range defs {
		field, cerr := parseField(def)
		if cerr != nil {
			return nil, cerr
		}
		if _, dup := contract.Fields[field.ID]; dup {
			return nil, contractErrf("duplicate field id %q", field.ID)
		}
		contract.Fields[field.ID] = field
		contract.FieldOrder = append(contract.FieldOrder, field.ID)
	}

	rules, cerr := parseRules(rootObj, contract)
	if cerr != nil {
		return nil, cerr
	}
	contract.Rules = rules
	return contract, nil
}

// collectFieldDefs gathers field objects from the root "fields" array and
// from each step's "fields" array, in declaration order.
func collectFieldDefs(root map[string]any) ([]map[string]any, *ContractError) {
	var defs []map[string]any

	if rawFields, present := root["fields"]; present {
		arr, ok := rawFields.([]any)
		if !ok {
			return nil, contractErrf("schema \"fields\" must be an array")
		}
		for i, entry := range arr {
			obj, ok := entry.(map[string]any)
			if !ok {
				return nil, contractErrf("field at index %d must be an object", i)
			}
			defs = append(defs, obj)
		}
	}

	if rawSteps, present := root["steps"]; present {
		steps, ok := rawSteps.([]any)
		if !ok {
			return nil, contractErrf("schema \"steps\" must be an array")
		}
		for si, rawStep := range steps {
			step, ok := rawStep.(map[string]any)
			if !ok {
				return nil, contractErrf("step at index %d must be an object", si)
			}
			rawFields, present := step["fields"]
			if !present {
				continue
			}
			arr, ok := rawFields.([]any)
			if !ok {
				return nil, contractErrf("step %d \"fields\" must be an array", si)
			}
			for fi, entry := range arr {
				obj, ok := entry.(map[string]any)
				if !ok {
					return nil, contractErrf("field at step %d index %d must be an object", si, fi)
				}
				defs = append(defs, obj)
			}
		}
	}

	return defs, nil
}

func parseField(def map[string]any) (*NormalizedField, *ContractError) {
	id := firstAliasString(def, idAliases)
	if id == "" {
		return nil, contractErrf("field is missing an id")
	}

	rawType := firstAliasString(def, typeAliases)
	fieldType := FieldType(strings.ToLower(strings.TrimSpace(rawType)))
	if _, ok := supportedFieldTypes[fieldType]; !ok {
		return nil, contractErrf("field %q has unsupported type %q", id, rawType)
	}

	field := &NormalizedField{ID: id, Type: fieldType, DefaultVisible: true}

	// Validators may appear nested under "validation"/"rules" or directly on
	// the field. Nested containers admit only the supported key set.
	sources := []map[string]any{def}
	for _, container := range []string{"validation", "rules"} {
		raw, present := def[container]
		if !present {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, contractErrf("field %q %q must be an object", id, container)
		}
		for key := range obj {
			if _, ok := supportedValidationKeys[key]; !ok {
				return nil, contractErrf("field %q has unsupported validation key %q", id, key)
			}
		}
		sources = append(sources, obj)
	}

	for _, src := range sources {
		if cerr := applyValidators(field, src); cerr != nil {
			return nil, cerr
		}
	}

	if rawHidden, present := def["hidden"]; present {
		hidden, ok := rawHidden.(bool)
		if !ok {
			return nil, contractErrf("field %q \"hidden\" must be a boolean", id)
		}
		field.DefaultVisible = !hidden
	}

	if field.needsOptions() && len(field.Options) == 0 {
		return nil, contractErrf("field %q of type %q requires a non-empty options list", id, field.Type)
	}

	return field, nil
}

func applyValidators(field *NormalizedField, src map[string]any) *ContractError {
	if raw, present := src["required"]; present {
		b, ok := raw.(bool)
		if !ok {
			return contractErrf("field %q \"required\" must be a boolean", field.ID)
		}
		field.Required = b
	}
	if cerr := applyNumber(field.ID, src, "min", &field.Min); cerr != nil {
		return cerr
	}
	if cerr := applyNumber(field.ID, src, "max", &field.Max); cerr != nil {
		return cerr
	}
	if cerr := applyIntNumber(field.ID, src, "minLength", &field.MinLength); cerr != nil {
		return cerr
	}
	if cerr := applyIntNumber(field.ID, src, "maxLength", &field.MaxLength); cerr != nil {
		return cerr
	}
	if raw, present := src["pattern"]; present {
		s, ok := raw.(string)
		if !ok {
			return contractErrf("field %q \"pattern\" must be a string", field.ID)
		}
		// Regex compilation is eager; a broken pattern fails the whole schema.
		re, err := regexp.Compile(s)
		if err != nil {
			return contractErrf("field %q has an invalid pattern: %v", field.ID, err)
		}
		field.Pattern = re
	}
	if raw, present := src["options"]; present {
		options, cerr := parseOptions(field.ID, raw)
		if cerr != nil {
			return cerr
		}
		field.Options = options
	}
	return nil
}

func applyNumber(fieldID string, src map[string]any, key string, dst **float64) *ContractError {
	raw, present := src[key]
	if !present {
		return nil
	}
	n, ok := raw.(float64)
	if !ok || math.IsInf(n, 0) || math.IsNaN(n) {
		return contractErrf("field %q %q must be a finite number", fieldID, key)
	}
	*dst = &n
	return nil
}

func applyIntNumber(fieldID string, src map[string]any, key string, dst **int) *ContractError {
	raw, present := src[key]
	if !present {
		return nil
	}
	n, ok := raw.(float64)
	if !ok || math.IsInf(n, 0) || math.IsNaN(n) {
		return contractErrf("field %q %q must be a finite number", fieldID, key)
	}
	v := int(n)
	*dst = &v
	return nil
}

func parseOptions(fieldID string, raw any) ([]any, *ContractError) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, contractErrf("field %q \"options\" must be an array", fieldID)
	}
	options := make([]any, 0, len(arr))
	for i, entry := range arr {
		switch v := entry.(type) {
		case string, float64, bool:
			options = append(options, v)
		case map[string]any:
			primitive, found := extractOptionPrimitive(v)
			if !found {
				return nil, contractErrf("field %q option at index %d has no extractable value", fieldID, i)
			}
			options = append(options, primitive)
		default:
			return nil, contractErrf("field %q option at index %d must be a primitive or object", fieldID, i)
		}
	}
	return options, nil
}

func extractOptionPrimitive(obj map[string]any) (any, bool) {
	for _, alias := range idAliases {
		raw, present := obj[alias]
		if !present {
			continue
		}
		switch v := raw.(type) {
		case string, float64, bool:
			return v, true
		}
	}
	return nil, false
}

// firstAliasString returns the first alias key whose value is a non-empty
// trimmed string.
func firstAliasString(obj map[string]any, aliases []string) string {
	for _, alias := range aliases {
		raw, present := obj[alias]
		if !present {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
