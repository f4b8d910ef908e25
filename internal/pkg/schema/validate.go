package schema

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"
)

// FieldIssue is one validation failure attached to a field.
type FieldIssue struct {
	FieldID string `json:"field_id"`
	Message string `json:"message"`
}

const msgRequiredMissing = "Required field is missing"

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern  = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d(:[0-5]\d)?$`)
)

// ValidateValues checks every visible field's submitted value against the
// registry. Hidden fields are never validated; the pipeline strips them
// before persisting.
func (c *Contract) ValidateValues(data map[string]any, visible map[string]bool) []FieldIssue {
	var issues []FieldIssue
	for _, id := range c.FieldOrder {
		if !visible[id] {
			continue
		}
		field := c.Fields[id]
		value, present := data[id]
		if !present || value == nil {
			if field.Required {
				issues = append(issues, FieldIssue{FieldID: id, Message: msgRequiredMissing})
			}
			continue
		}
		if msg := validateValue(field, value); msg != "" {
			issues = append(issues, FieldIssue{FieldID: id, Message: msg})
		}
	}
	return issues
}

func validateValue(field *NormalizedField, value any) string {
	switch field.Type {
	case FieldText, FieldTextarea, FieldTel, FieldEmail, FieldURL, FieldDate, FieldDatetime, FieldTime:
		return validateString(field, value)
	case FieldNumber, FieldRating:
		return validateNumber(field, value)
	case FieldCheckbox, FieldBoolean:
		return validateBoolean(field, value)
	case FieldRadio, FieldSelect:
		return validateChoice(field, value)
	case FieldMultiselect:
		return validateMultiChoice(field, value)
	}
	return ""
}

func validateString(field *NormalizedField, value any) string {
	s, ok := value.(string)
	if !ok {
		return "Expected a string value"
	}

	switch field.Type {
	case FieldEmail:
		if !emailPattern.MatchString(s) {
			return "Invalid email address"
		}
	case FieldURL:
		u, err := url.Parse(s)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return "Invalid URL"
		}
	case FieldDate:
		if !datePattern.MatchString(s) {
			return "Invalid date, expected YYYY-MM-DD"
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "Invalid date, expected YYYY-MM-DD"
		}
	case FieldDatetime:
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "Invalid datetime, expected an ISO-8601 timestamp"
		}
	case FieldTime:
		if !timePattern.MatchString(s) {
			return "Invalid time, expected HH:mm or HH:mm:ss"
		}
	}

	length := utf8.RuneCountInString(s)
	if field.MinLength != nil && length < *field.MinLength {
		return fmt.Sprintf("Must be at least %d characters", *field.MinLength)
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		return fmt.Sprintf("Must be at most %d characters", *field.MaxLength)
	}
	if field.Pattern != nil && !field.Pattern.MatchString(s) {
		return "Value does not match the required pattern"
	}
	return ""
}

func validateNumber(field *NormalizedField, value any) string {
	n, ok := value.(float64)
	if !ok || math.IsInf(n, 0) || math.IsNaN(n) {
		return "Expected a finite number"
	}
	if field.Type == FieldRating && n != math.Trunc(n) {
		return "Rating must be a whole number"
	}
	if field.Min != nil && n < *field.Min {
		return fmt.Sprintf("Must be at least %v", *field.Min)
	}
	if field.Max != nil && n > *field.Max {
		return fmt.Sprintf("Must be at most %v", *field.Max)
	}
	return ""
}

func validateBoolean(field *NormalizedField, value any) string {
	b, ok := value.(bool)
	if !ok {
		return "Expected a boolean value"
	}
	if field.Type == FieldCheckbox && field.Required && !b {
		return "This checkbox must be checked"
	}
	return ""
}

func validateChoice(field *NormalizedField, value any) string {
	if !isPrimitive(value) {
		return "Expected a primitive value"
	}
	if !matchesOption(field.Options, value) {
		return "Value is not one of the allowed options"
	}
	return ""
}

func validateMultiChoice(field *NormalizedField, value any) string {
	arr, ok := value.([]any)
	if !ok {
		return "Expected an array of values"
	}
	for _, member := range arr {
		if !isPrimitive(member) {
			return "Expected an array of primitive values"
		}
		if !matchesOption(field.Options, member) {
			return "Value is not one of the allowed options"
		}
	}
	// min/max bound the selection count for multiselect.
	count := float64(len(arr))
	if field.Min != nil && count < *field.Min {
		return fmt.Sprintf("Select at least %v options", *field.Min)
	}
	if field.Max != nil && count > *field.Max {
		return fmt.Sprintf("Select at most %v options", *field.Max)
	}
	return ""
}

// matchesOption compares under (type, string(value)) canonicalization so a
// numeric option 5 matches a submitted 5 but not a submitted "5".
func matchesOption(options []any, value any) bool {
	key := optionKey(value)
	for _, option := range options {
		if optionKey(option) == key {
			return true
		}
	}
	return false
}

func optionKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s|" + t
	case float64:
		return "n|" + strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return "b|" + strconv.FormatBool(t)
	}
	return "?"
}
