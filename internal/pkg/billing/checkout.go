package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
)

// CreateCheckoutSession runs the durable idempotency ledger around one
// upstream checkout- or portal-session creation. Same key + same payload
// replays the stored session; a different payload or an expired row is a
// conflict.
func (s *Service) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if !s.cfg.Configured() || s.cfg.SuccessURL == "" || s.cfg.CancelURL == "" {
		return nil, ErrBillingConfigMissing
	}

	variant, err := s.resolveVariant(ctx, in.PlanSlug, in.Interval)
	if err != nil {
		return nil, err
	}

	fingerprint := requestFingerprint(in.WorkspaceID, variant.ID, in.ActorUserID)
	upstreamKey := upstreamIdempotencyKey(in.WorkspaceID, variant.ID, in.ClientKey)
	now := s.now()

	row := &models.CheckoutIdempotency{
		WorkspaceID:            in.WorkspaceID,
		ClientKey:              in.ClientKey,
		PlanVariantID:          variant.ID,
		RequestFingerprint:     fingerprint,
		UpstreamIdempotencyKey: upstreamKey,
		Status:                 models.CheckoutStatusInProgress,
		ExpiresAt:              now.Add(models.CheckoutIdempotencyTTL),
	}

	created, err := s.repo.InsertCheckoutInProgress(row)
	if err != nil {
		return nil, err
	}
	if !created {
		// Unique-conflict race or true replay: reload and re-evaluate.
		existing, err := s.repo.GetCheckout(in.WorkspaceID, in.ClientKey)
		if err != nil {
			return nil, err
		}
		replay, err := s.evaluateReplay(existing, fingerprint, variant.ID, upstreamKey)
		if err != nil || replay != nil {
			return replay, err
		}
		// Failed row with the same payload: retry under the same ledger id.
		row = existing
	}

	result, sessionErr := s.createSessionForLedger(ctx, in, variant)
	if sessionErr != nil {
		if err := s.repo.MarkCheckoutFailed(row.ID, truncateError(sessionErr, 1000)); err != nil {
			log.Errorf("billing: checkout ledger failure write failed: %v", err)
		}
		return nil, &SessionError{Operation: "stripe_checkout_session", CorrelationID: in.CorrelationID, Err: sessionErr}
	}

	if err := s.repo.MarkCheckoutCompleted(row.ID, result.SessionID, result.URL); err != nil {
		return nil, err
	}
	return result, nil
}

// evaluateReplay applies the ledger state machine to an existing row.
// Returns a non-nil result for a completed replay, a nil result with nil
// error when the caller may retry a failed row, or a conflict error.
func (s *Service) evaluateReplay(existing *models.CheckoutIdempotency, fingerprint, variantID, upstreamKey string) (*CheckoutResult, error) {
	if existing.Expired(s.now()) {
		return nil, ErrIdempotencyKeyExpired
	}
	if existing.RequestFingerprint != fingerprint {
		return nil, ErrIdempotencyKeyReused
	}
	switch existing.Status {
	case models.CheckoutStatusCompleted:
		return &CheckoutResult{
			URL:              existing.UpstreamSessionURL,
			SessionID:        existing.UpstreamSessionID,
			Destination:      destinationForSession(existing.UpstreamSessionID),
			IdempotentReplay: true,
		}, nil
	case models.CheckoutStatusInProgress:
		return nil, ErrCheckoutInProgress
	default:
		// A failed attempt with the same payload may retry.
		if err := s.repo.ResetCheckoutInProgress(existing.ID, variantID, fingerprint, upstreamKey, s.now().Add(models.CheckoutIdempotencyTTL)); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// createSessionForLedger picks the destination (portal for workspaces that
// already hold an entitled paid subscription, checkout otherwise) and runs
// the upstream call under customer recovery.
func (s *Service) createSessionForLedger(ctx context.Context, in CheckoutInput, variant *models.PlanVariant) (*CheckoutResult, error) {
	if _, err := s.repo.GetLatestEntitledPaidSubscription(in.WorkspaceID); err == nil {
		result := &CheckoutResult{Destination: "portal", Reason: "active_subscription_exists"}
		err := s.withRecoveredCustomer(ctx, in.WorkspaceID, "checkout", in.CorrelationID, "portal_session", "", func(customerID string) error {
			session, err := s.stripe.CreatePortalSession(&stripe.BillingPortalSessionParams{
				Customer:  stripe.String(customerID),
				ReturnURL: stripe.String(s.cfg.PortalReturnURL),
			})
			if err != nil {
				return err
			}
			result.URL = session.URL
			result.SessionID = session.ID
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	result := &CheckoutResult{Destination: "checkout"}
	err := s.withRecoveredCustomer(ctx, in.WorkspaceID, "checkout", in.CorrelationID, "checkout_session", "", func(customerID string) error {
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			Customer:          stripe.String(customerID),
			SuccessURL:        stripe.String(s.cfg.SuccessURL),
			CancelURL:         stripe.String(s.cfg.CancelURL),
			ClientReferenceID: stripe.String(in.WorkspaceID),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					Price:    stripe.String(variant.StripePriceID),
					Quantity: stripe.Int64(1),
				},
			},
			SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
				Metadata: map[string]string{
					"workspace_id":    in.WorkspaceID,
					"plan_slug":       variant.PlanSlug,
					"plan_variant_id": variant.ID,
				},
			},
		}
		if variant.TrialPeriodDays > 0 {
			params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(variant.TrialPeriodDays))
		}
		params.IdempotencyKey = stripe.String(upstreamIdempotencyKey(in.WorkspaceID, variant.ID, in.ClientKey))

		session, err := s.stripe.CreateCheckoutSession(params)
		if err != nil {
			return err
		}
		result.URL = session.URL
		result.SessionID = session.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreatePortalSession opens the self-serve billing portal for a workspace.
func (s *Service) CreatePortalSession(ctx context.Context, in PortalInput) (string, error) {
	if !s.cfg.Configured() || s.cfg.PortalReturnURL == "" {
		return "", ErrBillingConfigMissing
	}

	var portalURL string
	err := s.withRecoveredCustomer(ctx, in.WorkspaceID, "portal", in.CorrelationID, "portal_session", "", func(customerID string) error {
		session, err := s.stripe.CreatePortalSession(&stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(s.cfg.PortalReturnURL),
		})
		if err != nil {
			return err
		}
		portalURL = session.URL
		return nil
	})
	if err != nil {
		return "", &SessionError{Operation: "stripe_portal_session", CorrelationID: in.CorrelationID, Err: err}
	}
	return portalURL, nil
}

// resolveVariant maps (plan, interval) onto an active usd variant that is
// bound to an upstream price, forcing one catalog sync before giving up.
func (s *Service) resolveVariant(ctx context.Context, planSlug, interval string) (*models.PlanVariant, error) {
	variant, err := s.findSellableVariant(planSlug, interval)
	if err == nil {
		return variant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if _, syncErr := s.SyncCatalog(ctx, true); syncErr != nil {
		return nil, fmt.Errorf("%w: forced sync failed: %v", ErrCatalogOutOfSync, syncErr)
	}
	variant, err = s.findSellableVariant(planSlug, interval)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCatalogOutOfSync
		}
		return nil, err
	}
	return variant, nil
}

func (s *Service) findSellableVariant(planSlug, interval string) (*models.PlanVariant, error) {
	variant, err := s.repo.FindActiveVariant(planSlug, interval, "usd")
	if err != nil {
		return nil, err
	}
	if variant.StripePriceID == "" {
		// The row exists but was never bound to an upstream price.
		return nil, gorm.ErrRecordNotFound
	}
	return variant, nil
}

// requestFingerprint distinguishes "same request" from "different request"
// under a reused client key.
func requestFingerprint(workspaceID, planVariantID, actorUserID string) string {
	actor := strings.TrimSpace(actorUserID)
	if actor == "" {
		actor = "anonymous"
	}
	payload, _ := json.Marshal(map[string]string{
		"workspace_id":         workspaceID,
		"plan_variant_id":      planVariantID,
		"requested_by_user_id": actor,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// upstreamIdempotencyKey derives the provider-side key, hashed down when the
// literal form would exceed the provider's 255-char limit.
func upstreamIdempotencyKey(workspaceID, planVariantID, clientKey string) string {
	key := fmt.Sprintf("checkout:v1:%s:%s:%s", workspaceID, planVariantID, clientKey)
	if len(key) <= 255 {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "checkout:v1:" + hex.EncodeToString(sum[:])
}

// destinationForSession infers the stored session's surface from its id.
func destinationForSession(sessionID string) string {
	if strings.HasPrefix(sessionID, "bps_") {
		return "portal"
	}
	return "checkout"
}

func truncateError(err error, limit int) string {
	msg := err.Error()
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
