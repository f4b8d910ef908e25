package billing

import "time"

// CheckoutInput is a validated checkout-session request.
type CheckoutInput struct {
	WorkspaceID   string
	PlanSlug      string
	Interval      string
	ClientKey     string
	ActorUserID   string
	CorrelationID string
}

// CheckoutResult is the session handed back to the client. Destination is
// "portal" when the workspace already holds an entitled paid subscription.
type CheckoutResult struct {
	URL              string
	SessionID        string
	Destination      string
	Reason           string
	IdempotentReplay bool
}

// PortalInput is a validated portal-session request.
type PortalInput struct {
	WorkspaceID   string
	ActorUserID   string
	CorrelationID string
}

// IngestResult reports the outcome of webhook ingestion.
type IngestResult struct {
	EventID   string
	Duplicate bool
}

// CatalogSyncStats summarizes one catalog pass.
type CatalogSyncStats struct {
	ScannedPrices   int `json:"scanned_prices"`
	EligiblePrices  int `json:"eligible_prices"`
	UpdatedVariants int `json:"updated_variants"`
	MissingVariants int `json:"missing_variants"`
}

// NormalizedSubscription is the provider-agnostic shape applied to the local
// subscriptions table during event processing.
type NormalizedSubscription struct {
	WorkspaceHint        string
	StripeSubscriptionID string
	StripeCustomerID     string
	StripePriceID        string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	EndedAt              *time.Time
	Metadata             map[string]string
	RawPayloadJSON       string
}
