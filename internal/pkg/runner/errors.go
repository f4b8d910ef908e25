package runner

import (
	"errors"
	"fmt"

	"github.com/packetwarden/formflow-api/internal/pkg/schema"
)

var (
	// ErrFormNotFound means no published form exists under the id.
	ErrFormNotFound = errors.New("form not found")
	// ErrRateLimited is the machine-readable 429 raised by check_request.
	ErrRateLimited = errors.New("rate limited")
	// ErrRateLimitCheckFailed means the gate itself could not be evaluated;
	// the pipeline fails closed.
	ErrRateLimitCheckFailed = errors.New("rate limit check failed")
	// ErrForbidden maps the 42501 privilege error from submit_form.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError carries per-field issues and/or unknown submitted keys.
type ValidationError struct {
	Issues        []schema.FieldIssue
	UnknownFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field validation failed (%d issues, %d unknown fields)", len(e.Issues), len(e.UnknownFields))
}

// QuotaError reports a plan-feature denial or an exhausted submission quota.
type QuotaError struct {
	Disabled   bool
	Feature    string
	Current    int64
	Allowed    int64
	UpgradeURL string
}

func (e *QuotaError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("plan feature %q is disabled", e.Feature)
	}
	return fmt.Sprintf("plan limit exceeded for %q (%d/%d)", e.Feature, e.Current, e.Allowed)
}

// ConflictError maps the P0003..P0008 form-state conflicts from submit_form.
type ConflictError struct {
	Code string
}

func (e *ConflictError) Error() string {
	return "form state conflict (" + e.Code + ")"
}
