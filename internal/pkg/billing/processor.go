package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/entitlements"
)

// BackoffDelay computes the retry delay after the given attempt count:
// 15 s doubling per attempt, capped at one hour.
func BackoffDelay(attempts int) time.Duration {
	exp := attempts
	if exp > 10 {
		exp = 10
	}
	seconds := 15 * (1 << uint(exp))
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// ProcessEvent claims one webhook row and applies it. A nil return with no
// side effects means another processor holds the lease, the row is already
// completed, or the attempt ceiling was hit.
func (s *Service) ProcessEvent(ctx context.Context, eventID string) error {
	claimed, err := s.repo.ClaimWebhookEvent(ctx, eventID, s.processorID, s.cfg.ClaimTTLSeconds, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if claimed == nil {
		return nil
	}

	if applyErr := s.applyEvent(ctx, claimed); applyErr != nil {
		next := s.now().Add(BackoffDelay(claimed.Attempts))
		if err := s.repo.MarkEventFailed(claimed.ID, truncateError(applyErr, 1000), next); err != nil {
			return err
		}
		log.Errorf("billing: event %s (%s) failed on attempt %d: %v", claimed.EventID, claimed.EventType, claimed.Attempts, applyErr)
		return applyErr
	}

	if err := s.repo.MarkEventCompleted(claimed.ID); err != nil {
		return err
	}
	log.Infof("billing: event %s (%s) completed", claimed.EventID, claimed.EventType)
	return nil
}

// applyEvent maps one provider event onto local subscription state.
func (s *Service) applyEvent(ctx context.Context, row *models.StripeWebhookEvent) error {
	var event stripe.Event
	if err := json.Unmarshal([]byte(row.PayloadJSON), &event); err != nil {
		return fmt.Errorf("unparseable event payload: %w", err)
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		return s.applyCheckoutCompleted(ctx, &event)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unparseable subscription object: %w", err)
		}
		return s.SyncSubscription(ctx, normalizeStripeSubscription(&sub, "", string(event.Data.Raw)))
	case "customer.deleted":
		var cust stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return fmt.Errorf("unparseable customer object: %w", err)
		}
		return s.applyCustomerDeleted(ctx, cust.ID, event.ID)
	case "invoice.payment_failed":
		return s.applyInvoiceGrace(ctx, &event, true)
	case "invoice.paid":
		return s.applyInvoiceGrace(ctx, &event, false)
	default:
		// Unhandled event types complete without side effects.
		return nil
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("unparseable checkout session: %w", err)
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return errors.New("checkout session completed without a subscription")
	}

	sub, err := s.stripe.GetSubscription(session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", session.Subscription.ID, err)
	}

	hint := session.ClientReferenceID
	if hint == "" {
		hint = session.Metadata["workspace_id"]
	}
	return s.SyncSubscription(ctx, normalizeStripeSubscription(sub, hint, ""))
}

// applyCustomerDeleted removes every mapping for the deleted customer,
// cancels its upstream-linked subscriptions and converges each affected
// workspace back to the free tier.
func (s *Service) applyCustomerDeleted(ctx context.Context, customerID, eventID string) error {
	mapped, err := s.repo.DeleteCustomerMappingsByCustomer(customerID)
	if err != nil {
		return err
	}
	canceled, err := s.repo.CancelSubscriptionsByCustomer(customerID, s.now())
	if err != nil {
		return err
	}

	affected := make(map[string]struct{}, len(mapped)+len(canceled))
	for _, ws := range mapped {
		affected[ws] = struct{}{}
	}
	for _, ws := range canceled {
		affected[ws] = struct{}{}
	}

	for ws := range affected {
		if err := s.repo.EnsureFreeSubscription(ctx, ws, "customer_deleted"); err != nil {
			return err
		}
		if err := s.refreshPlanCache(ctx, ws); err != nil {
			return err
		}
		s.auditCustomer(&models.BillingCustomerEvent{
			WorkspaceID:   ws,
			EventType:     models.CustomerEventWebhookDeleted,
			OldCustomerID: customerID,
			Reason:        "upstream customer deleted",
			StripeEventID: eventID,
		})
	}
	return nil
}

// applyInvoiceGrace sets or clears the grace deadline for the invoice's
// subscription. Invoice events never alter the subscription status; the
// grace-expiry pass owns the eventual downgrade.
func (s *Service) applyInvoiceGrace(ctx context.Context, event *stripe.Event, failed bool) error {
	_ = ctx
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unparseable invoice: %w", err)
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil
	}

	if !failed {
		return s.repo.SetGraceBySubscriptionID(invoice.Subscription.ID, nil)
	}
	grace := s.now().Add(time.Duration(s.cfg.GraceDays) * 24 * time.Hour)
	return s.repo.SetGraceBySubscriptionID(invoice.Subscription.ID, &grace)
}

// SyncSubscription applies one normalized provider subscription to the
// local table, resolving workspace and plan variant, then converges the
// free tier and the plan cache.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) error {
	workspaceID, err := s.resolveWorkspace(in)
	if err != nil {
		return err
	}

	existing, err := s.repo.GetSubscriptionByStripeID(in.StripeSubscriptionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	planSlug, variantID, err := s.resolveVariantForSync(ctx, in.StripePriceID, existing)
	if err != nil {
		return err
	}

	target := existing
	if target == nil {
		if entitlements.IsEntitledStatus(in.Status) {
			if latest, lerr := s.repo.GetLatestEntitledSubscription(workspaceID); lerr == nil {
				target = latest
			} else if !errors.Is(lerr, gorm.ErrRecordNotFound) {
				return lerr
			}
		}
		if target == nil {
			target = &models.Subscription{WorkspaceID: workspaceID}
		}
	}

	target.WorkspaceID = workspaceID
	target.PlanSlug = planSlug
	target.PlanVariantID = variantID
	target.Status = in.Status
	target.StripeSubscriptionID = in.StripeSubscriptionID
	target.StripeCustomerID = in.StripeCustomerID
	target.CurrentPeriodStart = in.CurrentPeriodStart
	target.CurrentPeriodEnd = in.CurrentPeriodEnd
	target.TrialStart = in.TrialStart
	target.TrialEnd = in.TrialEnd
	target.CancelAtPeriodEnd = in.CancelAtPeriodEnd
	target.CanceledAt = in.CanceledAt
	target.EndedAt = in.EndedAt
	if in.RawPayloadJSON != "" {
		target.MetadataJSON = in.RawPayloadJSON
	}
	if err := s.repo.SaveSubscription(target); err != nil {
		return err
	}

	if entitlements.IsTerminalStatus(in.Status) {
		if err := s.repo.EnsureFreeSubscription(ctx, workspaceID, "subscription_sync"); err != nil {
			return err
		}
	}
	return s.refreshPlanCache(ctx, workspaceID)
}

// resolveWorkspace walks the fixed resolution order: explicit hint,
// subscription metadata, existing row by upstream id, customer mapping,
// fallback row by customer id.
func (s *Service) resolveWorkspace(in NormalizedSubscription) (string, error) {
	if isUUID(in.WorkspaceHint) {
		return in.WorkspaceHint, nil
	}
	if ws := in.Metadata["workspace_id"]; isUUID(ws) {
		return ws, nil
	}
	if in.StripeSubscriptionID != "" {
		if existing, err := s.repo.GetSubscriptionByStripeID(in.StripeSubscriptionID); err == nil {
			return existing.WorkspaceID, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	if in.StripeCustomerID != "" {
		if ws, err := s.repo.FindWorkspaceByCustomer(in.StripeCustomerID); err == nil {
			return ws, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		if ws, err := s.repo.FindSubscriptionWorkspaceByCustomer(in.StripeCustomerID); err == nil {
			return ws, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: subscription %s customer %s", ErrWorkspaceUnresolved, in.StripeSubscriptionID, in.StripeCustomerID)
}

// resolveVariantForSync maps the current price onto a local variant,
// forcing one catalog sync on a miss. An unknown price is only fatal when
// no existing row can supply the plan.
func (s *Service) resolveVariantForSync(ctx context.Context, priceID string, existing *models.Subscription) (string, string, error) {
	if priceID != "" {
		variant, err := s.repo.FindVariantByPriceID(priceID)
		if err == nil {
			return variant.PlanSlug, variant.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", err
		}
		if _, syncErr := s.SyncCatalog(ctx, true); syncErr != nil {
			log.Warnf("billing: forced catalog sync during event processing failed: %v", syncErr)
		}
		variant, err = s.repo.FindVariantByPriceID(priceID)
		if err == nil {
			return variant.PlanSlug, variant.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", err
		}
	}
	if existing != nil {
		return existing.PlanSlug, existing.PlanVariantID, nil
	}
	return "", "", fmt.Errorf("%w: price %s has no local variant", ErrCatalogOutOfSync, priceID)
}

// normalizeStripeSubscription flattens the provider object into the
// provider-agnostic sync input.
func normalizeStripeSubscription(sub *stripe.Subscription, workspaceHint, rawPayload string) NormalizedSubscription {
	n := NormalizedSubscription{
		WorkspaceHint:        workspaceHint,
		StripeSubscriptionID: sub.ID,
		Status:               MapUpstreamStatus(string(sub.Status)),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Metadata:             sub.Metadata,
		RawPayloadJSON:       rawPayload,
	}
	if sub.Customer != nil {
		n.StripeCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		n.StripePriceID = sub.Items.Data[0].Price.ID
	}
	n.CurrentPeriodStart = unixPtr(sub.CurrentPeriodStart)
	n.CurrentPeriodEnd = unixPtr(sub.CurrentPeriodEnd)
	n.TrialStart = unixPtr(sub.TrialStart)
	n.TrialEnd = unixPtr(sub.TrialEnd)
	n.CanceledAt = unixPtr(sub.CanceledAt)
	n.EndedAt = unixPtr(sub.EndedAt)
	return n
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func isUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
