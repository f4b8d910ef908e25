package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/entitlements"
)

// fakeRepo is an in-memory Repository with the same semantics the real
// tables provide, including the claim function's lease rules.
type fakeRepo struct {
	mu sync.Mutex

	checkouts      map[string]*models.CheckoutIdempotency
	nextCheckoutID uint

	mappings       map[string]string
	customerEvents []models.BillingCustomerEvent

	webhooks      map[string]*models.StripeWebhookEvent
	nextWebhookID uint

	subs      []*models.Subscription
	nextSubID uint

	variants []*models.PlanVariant

	workspacePlans  map[string]string
	ensureFreeCalls []string
	entitlements    []models.Entitlement
	roles           map[string]string

	now func() time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		checkouts:      map[string]*models.CheckoutIdempotency{},
		mappings:       map[string]string{},
		webhooks:       map[string]*models.StripeWebhookEvent{},
		workspacePlans: map[string]string{},
		roles:          map[string]string{},
		now:            time.Now,
	}
}

func checkoutKey(ws, clientKey string) string { return ws + "|" + clientKey }

func (r *fakeRepo) InsertCheckoutInProgress(row *models.CheckoutIdempotency) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := checkoutKey(row.WorkspaceID, row.ClientKey)
	if _, exists := r.checkouts[key]; exists {
		return false, nil
	}
	r.nextCheckoutID++
	row.ID = r.nextCheckoutID
	clone := *row
	r.checkouts[key] = &clone
	return true, nil
}

func (r *fakeRepo) GetCheckout(ws, clientKey string) (*models.CheckoutIdempotency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.checkouts[checkoutKey(ws, clientKey)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *fakeRepo) checkoutByID(id uint) *models.CheckoutIdempotency {
	for _, row := range r.checkouts {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (r *fakeRepo) ResetCheckoutInProgress(id uint, variantID, fingerprint, upstreamKey string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.checkoutByID(id)
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	row.Status = models.CheckoutStatusInProgress
	row.PlanVariantID = variantID
	row.RequestFingerprint = fingerprint
	row.UpstreamIdempotencyKey = upstreamKey
	row.UpstreamSessionID = ""
	row.UpstreamSessionURL = ""
	row.LastError = ""
	row.ExpiresAt = expiresAt
	return nil
}

func (r *fakeRepo) MarkCheckoutCompleted(id uint, sessionID, sessionURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.checkoutByID(id)
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	row.Status = models.CheckoutStatusCompleted
	row.UpstreamSessionID = sessionID
	row.UpstreamSessionURL = sessionURL
	row.LastError = ""
	return nil
}

func (r *fakeRepo) MarkCheckoutFailed(id uint, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.checkoutByID(id)
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	row.Status = models.CheckoutStatusFailed
	row.LastError = lastError
	return nil
}

func (r *fakeRepo) GetCustomerMapping(ws string) (*models.WorkspaceBillingCustomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	customer, ok := r.mappings[ws]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.WorkspaceBillingCustomer{WorkspaceID: ws, StripeCustomerID: customer}, nil
}

func (r *fakeRepo) UpsertCustomerMapping(ws, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[ws] = customerID
	return nil
}

func (r *fakeRepo) DeleteCustomerMapping(ws string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, ws)
	return nil
}

func (r *fakeRepo) DeleteCustomerMappingsByCustomer(customerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []string
	for ws, customer := range r.mappings {
		if customer == customerID {
			affected = append(affected, ws)
			delete(r.mappings, ws)
		}
	}
	return affected, nil
}

func (r *fakeRepo) RecordCustomerEvent(event *models.BillingCustomerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customerEvents = append(r.customerEvents, *event)
	return nil
}

func (r *fakeRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.customerEvents))
	for _, e := range r.customerEvents {
		types = append(types, e.EventType)
	}
	return types
}

func (r *fakeRepo) InsertWebhookEvent(eventID, eventType, payloadJSON string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.webhooks[eventID]; exists {
		return false, nil
	}
	r.nextWebhookID++
	r.webhooks[eventID] = &models.StripeWebhookEvent{
		ID:          r.nextWebhookID,
		EventID:     eventID,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
		Status:      models.WebhookStatusPending,
		CreatedAt:   r.now(),
	}
	return true, nil
}

func (r *fakeRepo) ClaimWebhookEvent(ctx context.Context, eventID, processorID string, ttlSeconds, maxAttempts int) (*models.StripeWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.webhooks[eventID]
	if !ok {
		return nil, nil
	}
	now := r.now()
	claimable := false
	switch row.Status {
	case models.WebhookStatusPending:
		claimable = row.NextAttemptAt == nil || !row.NextAttemptAt.After(now)
	case models.WebhookStatusFailed:
		claimable = row.NextAttemptAt != nil && !row.NextAttemptAt.After(now)
	case models.WebhookStatusProcessing:
		claimable = row.ClaimExpiresAt != nil && row.ClaimExpiresAt.Before(now)
	}
	if !claimable || row.Attempts >= maxAttempts {
		return nil, nil
	}
	row.Status = models.WebhookStatusProcessing
	row.ProcessorID = processorID
	row.ProcessingStartedAt = &now
	expiry := now.Add(time.Duration(ttlSeconds) * time.Second)
	row.ClaimExpiresAt = &expiry
	row.Attempts++
	row.LastError = ""
	clone := *row
	return &clone, nil
}

func (r *fakeRepo) webhookByID(id uint) *models.StripeWebhookEvent {
	for _, row := range r.webhooks {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (r *fakeRepo) MarkEventCompleted(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.webhookByID(id)
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	now := r.now()
	row.Status = models.WebhookStatusCompleted
	row.ProcessedAt = &now
	row.ProcessorID = ""
	row.ProcessingStartedAt = nil
	row.ClaimExpiresAt = nil
	row.NextAttemptAt = nil
	return nil
}

func (r *fakeRepo) MarkEventFailed(id uint, lastError string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.webhookByID(id)
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	row.Status = models.WebhookStatusFailed
	row.LastError = lastError
	row.ProcessorID = ""
	row.ProcessingStartedAt = nil
	row.ClaimExpiresAt = nil
	row.NextAttemptAt = &nextAttemptAt
	return nil
}

func (r *fakeRepo) ListDueEventIDs(limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var ids []string
	for _, row := range r.webhooks {
		if len(ids) >= limit {
			break
		}
		switch row.Status {
		case models.WebhookStatusPending:
			if row.NextAttemptAt == nil || !row.NextAttemptAt.After(now) {
				ids = append(ids, row.EventID)
			}
		case models.WebhookStatusFailed:
			if row.NextAttemptAt != nil && !row.NextAttemptAt.After(now) {
				ids = append(ids, row.EventID)
			}
		case models.WebhookStatusProcessing:
			if row.ClaimExpiresAt != nil && row.ClaimExpiresAt.Before(now) {
				ids = append(ids, row.EventID)
			}
		}
	}
	return ids, nil
}

func (r *fakeRepo) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, row := range r.webhooks {
		if row.Status == models.WebhookStatusCompleted && row.ProcessedAt != nil && row.ProcessedAt.Before(cutoff) {
			delete(r.webhooks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeRepo) GetSubscriptionByStripeID(id string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.StripeSubscriptionID == id && id != "" {
			clone := *sub
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) latestEntitled(ws string, paidOnly bool) (*models.Subscription, error) {
	var best *models.Subscription
	for _, sub := range r.subs {
		if sub.WorkspaceID != ws || !entitlements.IsEntitledStatus(sub.Status) {
			continue
		}
		if paidOnly && sub.StripeSubscriptionID == "" {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *best
	return &clone, nil
}

func (r *fakeRepo) GetLatestEntitledSubscription(ws string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestEntitled(ws, false)
}

func (r *fakeRepo) GetLatestEntitledPaidSubscription(ws string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestEntitled(ws, true)
}

func (r *fakeRepo) ListSubscriptionsByWorkspace(ws string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.WorkspaceID == ws {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindWorkspaceByCustomer(customerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ws, customer := range r.mappings {
		if customer == customerID {
			return ws, nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindSubscriptionWorkspaceByCustomer(customerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.StripeCustomerID == customerID {
			return sub.WorkspaceID, nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (r *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.UpdatedAt = r.now()
	if sub.ID == 0 {
		r.nextSubID++
		sub.ID = r.nextSubID
		clone := *sub
		r.subs = append(r.subs, &clone)
		return nil
	}
	for i, existing := range r.subs {
		if existing.ID == sub.ID {
			clone := *sub
			r.subs[i] = &clone
			return nil
		}
	}
	clone := *sub
	r.subs = append(r.subs, &clone)
	return nil
}

func (r *fakeRepo) CancelSubscriptionsByCustomer(customerID string, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	var affected []string
	for _, sub := range r.subs {
		if sub.StripeCustomerID != customerID || sub.StripeSubscriptionID == "" {
			continue
		}
		sub.Status = models.SubscriptionStatusCanceled
		sub.CanceledAt = &at
		sub.EndedAt = &at
		sub.UpdatedAt = r.now()
		if _, dup := seen[sub.WorkspaceID]; !dup {
			seen[sub.WorkspaceID] = struct{}{}
			affected = append(affected, sub.WorkspaceID)
		}
	}
	return affected, nil
}

func (r *fakeRepo) SetGraceBySubscriptionID(id string, graceUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.StripeSubscriptionID == id {
			sub.GracePeriodEnd = graceUntil
		}
	}
	return nil
}

func (r *fakeRepo) ListPastDueWithExpiredGrace(limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []models.Subscription
	for _, sub := range r.subs {
		if len(out) >= limit {
			break
		}
		if sub.Status == models.SubscriptionStatusPastDue && sub.GracePeriodEnd != nil && !sub.GracePeriodEnd.After(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindActiveVariant(slug, interval, currency string) (*models.PlanVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.variants {
		if v.IsActive && v.PlanSlug == slug && v.Interval == interval && v.Currency == currency {
			clone := *v
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindVariantByPriceID(priceID string) (*models.PlanVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.variants {
		if v.IsActive && v.StripePriceID == priceID && priceID != "" {
			clone := *v
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListActiveVariants() ([]models.PlanVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PlanVariant
	for _, v := range r.variants {
		if v.IsActive {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveVariant(variant *models.PlanVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.variants {
		if v.ID == variant.ID {
			clone := *variant
			r.variants[i] = &clone
			return nil
		}
	}
	clone := *variant
	r.variants = append(r.variants, &clone)
	return nil
}

func (r *fakeRepo) UpdateWorkspacePlan(ws, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspacePlans[ws] = slug
	return nil
}

func (r *fakeRepo) EnsureFreeSubscription(ctx context.Context, ws, source string) error {
	r.mu.Lock()
	r.ensureFreeCalls = append(r.ensureFreeCalls, ws+":"+source)
	hasEntitled := false
	for _, sub := range r.subs {
		if sub.WorkspaceID == ws && entitlements.IsEntitledStatus(sub.Status) {
			hasEntitled = true
			break
		}
	}
	r.mu.Unlock()
	if !hasEntitled {
		return r.SaveSubscription(&models.Subscription{
			WorkspaceID: ws,
			PlanSlug:    "free",
			Status:      models.SubscriptionStatusActive,
		})
	}
	return nil
}

func (r *fakeRepo) GetWorkspaceEntitlements(ctx context.Context, ws string) ([]models.Entitlement, error) {
	return r.entitlements, nil
}

func (r *fakeRepo) GetMemberRole(ws, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[ws+"|"+userID]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return role, nil
}

// fakeStripe is a scripted upstream.
type fakeStripe struct {
	mu sync.Mutex

	customers        map[string]*stripe.Customer
	createdCustomers int

	sessionCounter int
	checkoutErr    error
	portalErr      error
	// missingOnExecute makes the next N session calls fail with the
	// resource_missing customer error.
	missingOnExecute int

	subscriptions map[string]*stripe.Subscription
	prices        []*stripe.Price

	constructedEvent stripe.Event
	constructErr     error
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		customers:     map[string]*stripe.Customer{},
		subscriptions: map[string]*stripe.Subscription{},
	}
}

func missingCustomerErr() error {
	return &stripe.Error{
		Type:  stripe.ErrorTypeInvalidRequest,
		Code:  stripe.ErrorCodeResourceMissing,
		Param: "customer",
		Msg:   "No such customer",
	}
}

func (f *fakeStripe) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	if f.missingOnExecute > 0 {
		f.missingOnExecute--
		return nil, missingCustomerErr()
	}
	f.sessionCounter++
	id := fmt.Sprintf("cs_test_%d", f.sessionCounter)
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeStripe) CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.portalErr != nil {
		return nil, f.portalErr
	}
	if f.missingOnExecute > 0 {
		f.missingOnExecute--
		return nil, missingCustomerErr()
	}
	f.sessionCounter++
	id := fmt.Sprintf("bps_test_%d", f.sessionCounter)
	return &stripe.BillingPortalSession{ID: id, URL: "https://portal.stripe.test/" + id}, nil
}

func (f *fakeStripe) GetCustomer(id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cust, ok := f.customers[id]
	if !ok {
		return nil, missingCustomerErr()
	}
	return cust, nil
}

func (f *fakeStripe) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCustomers++
	cust := &stripe.Customer{ID: fmt.Sprintf("cus_test_%d", f.createdCustomers)}
	f.customers[cust.ID] = cust
	return cust, nil
}

func (f *fakeStripe) GetSubscription(id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing, Param: "subscription"}
	}
	return sub, nil
}

func (f *fakeStripe) ListActiveRecurringPrices() ([]*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices, nil
}

func (f *fakeStripe) ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.constructErr != nil {
		return stripe.Event{}, f.constructErr
	}
	return f.constructedEvent, nil
}

func testConfig() Config {
	return Config{
		SecretKey:       "sk_test_x",
		WebhookSecret:   "whsec_x",
		SuccessURL:      "https://app.test/billing/success",
		CancelURL:       "https://app.test/billing/cancel",
		PortalReturnURL: "https://app.test/billing",
		ContactSalesURL: "https://app.test/contact",
		GraceDays:       7,
		ClaimTTLSeconds: 300,
		MaxAttempts:     8,
		MaxBodyBytes:    262144,
		RetryBatchSize:  200,
		GraceBatchSize:  500,
		CatalogEnabled:  true,
		CatalogCron:     "*/15 * * * *",
	}
}

func newTestService(repo *fakeRepo, api *fakeStripe) *Service {
	return NewService(repo, api, testConfig())
}
