package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
)

// resolveOrCreateCustomer returns a live upstream customer id for the
// workspace. A mapped customer that turns out deleted or missing upstream is
// invalidated and replaced with a freshly created one; every transition
// lands in the audit trail.
func (s *Service) resolveOrCreateCustomer(ctx context.Context, workspaceID, actorUserID, scope string) (string, string, error) {
	mapping, err := s.repo.GetCustomerMapping(workspaceID)
	if err == nil {
		cust, rerr := s.stripe.GetCustomer(mapping.StripeCustomerID)
		if rerr == nil && cust != nil && !cust.Deleted {
			return mapping.StripeCustomerID, models.CustomerEventValidated, nil
		}
		if rerr != nil && !IsMissingCustomer(rerr, mapping.StripeCustomerID) {
			return "", "", rerr
		}
		if derr := s.repo.DeleteCustomerMapping(workspaceID); derr != nil {
			return "", "", derr
		}
		s.auditCustomer(&models.BillingCustomerEvent{
			WorkspaceID:   workspaceID,
			EventType:     models.CustomerEventInvalidated,
			OldCustomerID: mapping.StripeCustomerID,
			Reason:        "upstream customer deleted or missing",
		})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", err
	}

	params := &stripe.CustomerParams{}
	params.AddMetadata("workspace_id", workspaceID)
	if actorUserID != "" {
		params.AddMetadata("created_by_user_id", actorUserID)
	}
	params.IdempotencyKey = stripe.String(customerIdempotencyKey(workspaceID, scope))

	cust, err := s.stripe.CreateCustomer(params)
	if err != nil {
		return "", "", err
	}
	if err := s.repo.UpsertCustomerMapping(workspaceID, cust.ID); err != nil {
		return "", "", err
	}

	oldID := ""
	if mapping != nil {
		oldID = mapping.StripeCustomerID
	}
	s.auditCustomer(&models.BillingCustomerEvent{
		WorkspaceID:   workspaceID,
		EventType:     models.CustomerEventRecreated,
		OldCustomerID: oldID,
		NewCustomerID: cust.ID,
		Reason:        "scope " + scope,
	})
	return cust.ID, models.CustomerEventRecreated, nil
}

// withRecoveredCustomer runs an upstream operation against a validated
// customer id, recovering exactly once from a stale mapping discovered
// mid-operation. A second failure propagates to the caller, which wraps it
// with the request correlation id.
func (s *Service) withRecoveredCustomer(ctx context.Context, workspaceID, scope, correlationID, operation, preferred string, execute func(customerID string) error) error {
	customerID := ""

	if preferred != "" {
		cust, err := s.stripe.GetCustomer(preferred)
		switch {
		case err == nil && cust != nil && !cust.Deleted:
			if uerr := s.repo.UpsertCustomerMapping(workspaceID, preferred); uerr != nil {
				return uerr
			}
			s.auditCustomer(&models.BillingCustomerEvent{
				WorkspaceID:   workspaceID,
				EventType:     models.CustomerEventValidated,
				NewCustomerID: preferred,
				Reason:        "preferred customer validated for " + operation,
			})
			customerID = preferred
		case err != nil && !IsMissingCustomer(err, preferred):
			return err
		default:
			s.auditCustomer(&models.BillingCustomerEvent{
				WorkspaceID:   workspaceID,
				EventType:     models.CustomerEventInvalidated,
				OldCustomerID: preferred,
				Reason:        "preferred customer missing upstream",
			})
		}
	}

	if customerID == "" {
		id, _, err := s.resolveOrCreateCustomer(ctx, workspaceID, "", scope)
		if err != nil {
			return err
		}
		customerID = id
	}

	err := execute(customerID)
	if err == nil || !IsMissingCustomer(err, customerID) {
		return err
	}

	// The mapped customer disappeared between validation and use.
	if derr := s.repo.DeleteCustomerMapping(workspaceID); derr != nil {
		return derr
	}
	s.auditCustomer(&models.BillingCustomerEvent{
		WorkspaceID:   workspaceID,
		EventType:     models.CustomerEventInvalidated,
		OldCustomerID: customerID,
		Reason:        fmt.Sprintf("customer vanished during %s", operation),
	})

	retryScope := scope + ":retry:" + correlationID
	recoveredID, _, rerr := s.resolveOrCreateCustomer(ctx, workspaceID, "", retryScope)
	if rerr != nil {
		return rerr
	}
	return execute(recoveredID)
}

func (s *Service) auditCustomer(event *models.BillingCustomerEvent) {
	if err := s.repo.RecordCustomerEvent(event); err != nil {
		log.Errorf("billing: customer audit write failed for workspace %s: %v", event.WorkspaceID, err)
	}
}

func customerIdempotencyKey(workspaceID, scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return fmt.Sprintf("customer:v2:%s:%s", workspaceID, hex.EncodeToString(sum[:]))
}
