package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/entitlements"
)

// Repository provides DB operations used by the billing service. All
// cross-request coordination (idempotency, claims, advisory locks) lives
// behind these calls; the service holds no in-process state.
type Repository interface {
	// Checkout idempotency ledger
	InsertCheckoutInProgress(row *models.CheckoutIdempotency) (bool, error)
	GetCheckout(workspaceID, clientKey string) (*models.CheckoutIdempotency, error)
	ResetCheckoutInProgress(id uint, planVariantID, fingerprint, upstreamKey string, expiresAt time.Time) error
	MarkCheckoutCompleted(id uint, sessionID, sessionURL string) error
	MarkCheckoutFailed(id uint, lastError string) error

	// Customer mapping + audit
	GetCustomerMapping(workspaceID string) (*models.WorkspaceBillingCustomer, error)
	UpsertCustomerMapping(workspaceID, customerID string) error
	DeleteCustomerMapping(workspaceID string) error
	DeleteCustomerMappingsByCustomer(customerID string) ([]string, error)
	RecordCustomerEvent(event *models.BillingCustomerEvent) error

	// Webhook claim queue
	InsertWebhookEvent(eventID, eventType, payloadJSON string) (bool, error)
	ClaimWebhookEvent(ctx context.Context, eventID, processorID string, ttlSeconds, maxAttempts int) (*models.StripeWebhookEvent, error)
	MarkEventCompleted(id uint) error
	MarkEventFailed(id uint, lastError string, nextAttemptAt time.Time) error
	ListDueEventIDs(limit int) ([]string, error)
	DeleteCompletedBefore(cutoff time.Time) (int64, error)

	// Subscriptions
	GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.Subscription, error)
	GetLatestEntitledSubscription(workspaceID string) (*models.Subscription, error)
	GetLatestEntitledPaidSubscription(workspaceID string) (*models.Subscription, error)
	ListSubscriptionsByWorkspace(workspaceID string) ([]models.Subscription, error)
	FindWorkspaceByCustomer(customerID string) (string, error)
	FindSubscriptionWorkspaceByCustomer(customerID string) (string, error)
	SaveSubscription(sub *models.Subscription) error
	CancelSubscriptionsByCustomer(customerID string, at time.Time) ([]string, error)
	SetGraceBySubscriptionID(stripeSubscriptionID string, graceUntil *time.Time) error
	ListPastDueWithExpiredGrace(limit int) ([]models.Subscription, error)

	// Plan catalog
	FindActiveVariant(planSlug, interval, currency string) (*models.PlanVariant, error)
	FindVariantByPriceID(stripePriceID string) (*models.PlanVariant, error)
	ListActiveVariants() ([]models.PlanVariant, error)
	SaveVariant(variant *models.PlanVariant) error

	// Workspace plan cache + database functions
	UpdateWorkspacePlan(workspaceID, planSlug string) error
	EnsureFreeSubscription(ctx context.Context, workspaceID, source string) error
	GetWorkspaceEntitlements(ctx context.Context, workspaceID string) ([]models.Entitlement, error)
	GetMemberRole(workspaceID, userID string) (string, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InsertCheckoutInProgress(row *models.CheckoutIdempotency) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"},
			{Name: "client_key"},
		},
		DoNothing: true,
	}).Create(row)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetCheckout(workspaceID, clientKey string) (*models.CheckoutIdempotency, error) {
	var row models.CheckoutIdempotency
	err := r.db.Where("workspace_id = ? AND client_key = ?", workspaceID, clientKey).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *gormRepository) ResetCheckoutInProgress(id uint, planVariantID, fingerprint, upstreamKey string, expiresAt time.Time) error {
	return r.db.Model(&models.CheckoutIdempotency{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                   models.CheckoutStatusInProgress,
		"plan_variant_id":          planVariantID,
		"request_fingerprint":      fingerprint,
		"upstream_idempotency_key": upstreamKey,
		"upstream_session_id":      "",
		"upstream_session_url":     "",
		"last_error":               "",
		"expires_at":               expiresAt,
	}).Error
}

func (r *gormRepository) MarkCheckoutCompleted(id uint, sessionID, sessionURL string) error {
	return r.db.Model(&models.CheckoutIdempotency{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":               models.CheckoutStatusCompleted,
		"upstream_session_id":  sessionID,
		"upstream_session_url": sessionURL,
		"last_error":           "",
	}).Error
}

func (r *gormRepository) MarkCheckoutFailed(id uint, lastError string) error {
	return r.db.Model(&models.CheckoutIdempotency{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     models.CheckoutStatusFailed,
		"last_error": lastError,
	}).Error
}

func (r *gormRepository) GetCustomerMapping(workspaceID string) (*models.WorkspaceBillingCustomer, error) {
	var mapping models.WorkspaceBillingCustomer
	err := r.db.Where("workspace_id = ?", workspaceID).First(&mapping).Error
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *gormRepository) UpsertCustomerMapping(workspaceID, customerID string) error {
	mapping := &models.WorkspaceBillingCustomer{
		WorkspaceID:      workspaceID,
		StripeCustomerID: customerID,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"stripe_customer_id", "updated_at"}),
	}).Create(mapping).Error
}

func (r *gormRepository) DeleteCustomerMapping(workspaceID string) error {
	return r.db.Where("workspace_id = ?", workspaceID).Delete(&models.WorkspaceBillingCustomer{}).Error
}

func (r *gormRepository) DeleteCustomerMappingsByCustomer(customerID string) ([]string, error) {
	var mappings []models.WorkspaceBillingCustomer
	if err := r.db.Where("stripe_customer_id = ?", customerID).Find(&mappings).Error; err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, nil
	}
	if err := r.db.Where("stripe_customer_id = ?", customerID).Delete(&models.WorkspaceBillingCustomer{}).Error; err != nil {
		return nil, err
	}
	workspaces := make([]string, 0, len(mappings))
	for _, m := range mappings {
		workspaces = append(workspaces, m.WorkspaceID)
	}
	return workspaces, nil
}

func (r *gormRepository) RecordCustomerEvent(event *models.BillingCustomerEvent) error {
	return r.db.Create(event).Error
}

func (r *gormRepository) InsertWebhookEvent(eventID, eventType, payloadJSON string) (bool, error) {
	event := &models.StripeWebhookEvent{
		EventID:     eventID,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
		Status:      models.WebhookStatusPending,
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ClaimWebhookEvent delegates to the claim function, which atomically selects
// a due row, bumps attempts and installs the lease.
func (r *gormRepository) ClaimWebhookEvent(ctx context.Context, eventID, processorID string, ttlSeconds, maxAttempts int) (*models.StripeWebhookEvent, error) {
	var claimed models.StripeWebhookEvent
	res := r.db.WithContext(ctx).Raw(
		"SELECT * FROM claim_stripe_webhook_event(?, ?, ?, ?)",
		eventID, processorID, ttlSeconds, maxAttempts,
	).Scan(&claimed)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || claimed.ID == 0 {
		return nil, nil
	}
	return &claimed, nil
}

func (r *gormRepository) MarkEventCompleted(id uint) error {
	now := time.Now()
	return r.db.Model(&models.StripeWebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                models.WebhookStatusCompleted,
		"processed_at":          &now,
		"last_error":            "",
		"processor_id":          "",
		"processing_started_at": nil,
		"claim_expires_at":      nil,
		"next_attempt_at":       nil,
	}).Error
}

func (r *gormRepository) MarkEventFailed(id uint, lastError string, nextAttemptAt time.Time) error {
	return r.db.Model(&models.StripeWebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                models.WebhookStatusFailed,
		"last_error":            lastError,
		"processor_id":          "",
		"processing_started_at": nil,
		"claim_expires_at":      nil,
		"next_attempt_at":       nextAttemptAt,
	}).Error
}

func (r *gormRepository) ListDueEventIDs(limit int) ([]string, error) {
	now := time.Now()
	var ids []string
	err := r.db.Model(&models.StripeWebhookEvent{}).
		Where(
			"(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))"+
				" OR (status = ? AND next_attempt_at <= ?)"+
				" OR (status = ? AND claim_expires_at < ?)",
			models.WebhookStatusPending, now,
			models.WebhookStatusFailed, now,
			models.WebhookStatusProcessing, now,
		).
		Order("created_at ASC").
		Limit(limit).
		Pluck("event_id", &ids).Error
	return ids, err
}

func (r *gormRepository) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	tx := r.db.Where("status = ? AND processed_at < ?", models.WebhookStatusCompleted, cutoff).
		Delete(&models.StripeWebhookEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("stripe_subscription_id = ?", stripeSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func entitledStatuses() []string {
	return []string{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusPastDue,
	}
}

func (r *gormRepository) GetLatestEntitledSubscription(workspaceID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("workspace_id = ? AND status IN ?", workspaceID, entitledStatuses()).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetLatestEntitledPaidSubscription(workspaceID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("workspace_id = ? AND status IN ? AND stripe_subscription_id <> ''", workspaceID, entitledStatuses()).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByWorkspace(workspaceID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("workspace_id = ?", workspaceID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) FindWorkspaceByCustomer(customerID string) (string, error) {
	var mapping models.WorkspaceBillingCustomer
	err := r.db.Where("stripe_customer_id = ?", customerID).First(&mapping).Error
	if err != nil {
		return "", err
	}
	return mapping.WorkspaceID, nil
}

func (r *gormRepository) FindSubscriptionWorkspaceByCustomer(customerID string) (string, error) {
	var sub models.Subscription
	err := r.db.Where("stripe_customer_id = ?", customerID).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return "", err
	}
	return sub.WorkspaceID, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) CancelSubscriptionsByCustomer(customerID string, at time.Time) ([]string, error) {
	var subs []models.Subscription
	if err := r.db.Where("stripe_customer_id = ? AND stripe_subscription_id <> ''", customerID).Find(&subs).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(subs))
	var workspaces []string
	for i := range subs {
		sub := &subs[i]
		sub.Status = models.SubscriptionStatusCanceled
		sub.CanceledAt = &at
		sub.EndedAt = &at
		if err := r.db.Save(sub).Error; err != nil {
			return workspaces, err
		}
		if _, dup := seen[sub.WorkspaceID]; !dup {
			seen[sub.WorkspaceID] = struct{}{}
			workspaces = append(workspaces, sub.WorkspaceID)
		}
	}
	return workspaces, nil
}

func (r *gormRepository) SetGraceBySubscriptionID(stripeSubscriptionID string, graceUntil *time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Update("grace_period_end", graceUntil).Error
}

func (r *gormRepository) ListPastDueWithExpiredGrace(limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("status = ? AND grace_period_end IS NOT NULL AND grace_period_end <= ?",
		models.SubscriptionStatusPastDue, time.Now()).
		Order("grace_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) FindActiveVariant(planSlug, interval, currency string) (*models.PlanVariant, error) {
	var variant models.PlanVariant
	err := r.db.Where("plan_slug = ? AND interval = ? AND currency = ? AND is_active = ?",
		planSlug, interval, currency, true).First(&variant).Error
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

func (r *gormRepository) FindVariantByPriceID(stripePriceID string) (*models.PlanVariant, error) {
	var variant models.PlanVariant
	err := r.db.Where("stripe_price_id = ? AND is_active = ?", stripePriceID, true).First(&variant).Error
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

func (r *gormRepository) ListActiveVariants() ([]models.PlanVariant, error) {
	var variants []models.PlanVariant
	err := r.db.Where("is_active = ?", true).Find(&variants).Error
	return variants, err
}

func (r *gormRepository) SaveVariant(variant *models.PlanVariant) error {
	return r.db.Save(variant).Error
}

func (r *gormRepository) UpdateWorkspacePlan(workspaceID, planSlug string) error {
	return r.db.Model(&models.Workspace{}).Where("id = ?", workspaceID).
		Update("plan", string(entitlements.Normalize(planSlug))).Error
}

// EnsureFreeSubscription is idempotent; the function serializes concurrent
// callers with an advisory lock keyed by workspace.
func (r *gormRepository) EnsureFreeSubscription(ctx context.Context, workspaceID, source string) error {
	return r.db.WithContext(ctx).
		Exec("SELECT ensure_free_subscription_for_workspace(?::uuid, ?)", workspaceID, source).Error
}

func (r *gormRepository) GetWorkspaceEntitlements(ctx context.Context, workspaceID string) ([]models.Entitlement, error) {
	var rows []models.Entitlement
	err := r.db.WithContext(ctx).
		Raw("SELECT * FROM get_workspace_entitlements(?::uuid)", workspaceID).
		Scan(&rows).Error
	return rows, err
}

func (r *gormRepository) GetMemberRole(workspaceID, userID string) (string, error) {
	var member models.WorkspaceMember
	err := r.db.Where("workspace_id = ? AND user_id = ?", workspaceID, userID).First(&member).Error
	if err != nil {
		return "", err
	}
	return member.Role, nil
}
