package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrIdempotencyKeyReused means the client key was replayed with a
	// different request fingerprint inside the retention window.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyKeyExpired means the ledger row is older than 24 h.
	ErrIdempotencyKeyExpired = errors.New("idempotency key expired")
	// ErrCheckoutInProgress means another request holds the same ledger row.
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	// ErrCatalogOutOfSync means no local plan variant matches the request
	// even after a forced catalog sync.
	ErrCatalogOutOfSync = errors.New("billing catalog out of sync")
	// ErrBillingConfigMissing means required upstream credentials or URLs
	// are absent.
	ErrBillingConfigMissing = errors.New("billing configuration missing")
	// ErrInvalidSignature means the webhook signature did not verify.
	ErrInvalidSignature = errors.New("invalid stripe signature")
	// ErrWorkspaceUnresolved means no resolution path produced a workspace
	// for a subscription event.
	ErrWorkspaceUnresolved = errors.New("workspace could not be resolved for subscription")
)

// SessionError wraps an upstream session failure with the correlation id
// surfaced to the client and logged server-side. Upstream error objects are
// never exposed.
type SessionError struct {
	Operation     string
	CorrelationID string
	Err           error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s failed (correlation %s): %v", e.Operation, e.CorrelationID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
