package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/packetwarden/formflow-api/internal/pkg/billing"
	"github.com/packetwarden/formflow-api/internal/pkg/middleware"
	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
)

// StripeController serves the billing surface: checkout and portal
// sessions, webhook ingestion, catalog sync and operational ticks.
type StripeController struct {
	svc      *billing.Service
	validate *validator.Validate
}

// NewStripeController creates the stripe controller.
func NewStripeController(svc *billing.Service) *StripeController {
	return &StripeController{svc: svc, validate: validator.New()}
}

type checkoutRequest struct {
	PlanSlug string `json:"plan_slug" validate:"required,oneof=free pro business enterprise"`
	Interval string `json:"interval" validate:"required,oneof=monthly yearly"`
}

// HandleCreateCheckoutSession starts (or replays) a checkout for a plan.
func (sc *StripeController) HandleCreateCheckoutSession(c *fiber.Ctx) error {
	workspaceID, _ := c.Locals(middleware.KeyWorkspaceID).(string)
	meta := requestmeta.FromCtx(c)

	clientKey := strings.TrimSpace(c.Get("Idempotency-Key"))
	if _, err := uuid.Parse(clientKey); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Missing or invalid Idempotency-Key header", "FIELD_VALIDATION_FAILED", nil)
	}

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Request body must be JSON with plan_slug and interval", "FIELD_VALIDATION_FAILED", nil)
	}
	if err := sc.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "plan_slug must be one of free|pro|business|enterprise and interval monthly|yearly", "FIELD_VALIDATION_FAILED", nil)
	}

	switch req.PlanSlug {
	case "free":
		return jsonError(c, fiber.StatusBadRequest, "The free plan has no checkout", "INVALID_PLAN_FOR_CHECKOUT", nil)
	case "enterprise":
		return jsonError(c, fiber.StatusForbidden, "Enterprise plans are sold through sales", "CONTACT_SALES_REQUIRED", fiber.Map{
			"contact_sales_url": sc.svc.Config().ContactSalesURL,
		})
	}

	result, err := sc.svc.CreateCheckoutSession(c.UserContext(), billing.CheckoutInput{
		WorkspaceID:   workspaceID,
		PlanSlug:      req.PlanSlug,
		Interval:      req.Interval,
		ClientKey:     clientKey,
		ActorUserID:   middleware.UserID(c),
		CorrelationID: meta.CorrelationID,
	})
	if err != nil {
		return sc.mapCheckoutError(c, err, meta.CorrelationID)
	}

	body := fiber.Map{
		"url":         result.URL,
		"session_id":  result.SessionID,
		"destination": result.Destination,
	}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	if result.IdempotentReplay {
		body["idempotent_replay"] = true
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

func (sc *StripeController) mapCheckoutError(c *fiber.Ctx, err error, correlationID string) error {
	var sessionErr *billing.SessionError
	switch {
	case errors.Is(err, billing.ErrIdempotencyKeyReused):
		return jsonError(c, fiber.StatusConflict, "Idempotency key reused with a different payload", "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD", nil)
	case errors.Is(err, billing.ErrIdempotencyKeyExpired):
		return jsonError(c, fiber.StatusConflict, "Idempotency key expired", "IDEMPOTENCY_KEY_EXPIRED", nil)
	case errors.Is(err, billing.ErrCheckoutInProgress):
		return jsonError(c, fiber.StatusConflict, "A checkout for this key is already in progress", "CHECKOUT_IN_PROGRESS", nil)
	case errors.Is(err, billing.ErrCatalogOutOfSync):
		return jsonError(c, fiber.StatusConflict, "Billing catalog is out of sync", "CATALOG_OUT_OF_SYNC", nil)
	case errors.Is(err, billing.ErrBillingConfigMissing):
		log.Errorf("billing: configuration missing (correlation %s)", correlationID)
		return jsonError(c, fiber.StatusInternalServerError, "Billing is not configured", "BILLING_CONFIG_MISSING", fiber.Map{
			"correlation_id": correlationID,
		})
	case errors.As(err, &sessionErr):
		log.Errorf("billing: %v", sessionErr)
		return jsonError(c, fiber.StatusInternalServerError, "Could not create checkout session", "STRIPE_CHECKOUT_SESSION_FAILED", fiber.Map{
			"correlation_id": sessionErr.CorrelationID,
		})
	default:
		log.Errorf("billing: checkout failed (correlation %s): %v", correlationID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Could not create checkout session", "STRIPE_CHECKOUT_SESSION_FAILED", fiber.Map{
			"correlation_id": correlationID,
		})
	}
}

// HandleCreatePortalSession opens the billing portal for a workspace.
func (sc *StripeController) HandleCreatePortalSession(c *fiber.Ctx) error {
	workspaceID, _ := c.Locals(middleware.KeyWorkspaceID).(string)
	meta := requestmeta.FromCtx(c)

	url, err := sc.svc.CreatePortalSession(c.UserContext(), billing.PortalInput{
		WorkspaceID:   workspaceID,
		ActorUserID:   middleware.UserID(c),
		CorrelationID: meta.CorrelationID,
	})
	if err != nil {
		if errors.Is(err, billing.ErrBillingConfigMissing) {
			log.Errorf("billing: configuration missing (correlation %s)", meta.CorrelationID)
			return jsonError(c, fiber.StatusInternalServerError, "Billing is not configured", "BILLING_CONFIG_MISSING", fiber.Map{
				"correlation_id": meta.CorrelationID,
			})
		}
		log.Errorf("billing: portal session failed (correlation %s): %v", meta.CorrelationID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Could not create portal session", "STRIPE_PORTAL_SESSION_FAILED", fiber.Map{
			"correlation_id": meta.CorrelationID,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleStripeWebhook ingests one provider event: size guard, signature
// verification, durable insert, async processing.
func (sc *StripeController) HandleStripeWebhook(c *fiber.Ctx) error {
	sigHeader := strings.TrimSpace(c.Get("stripe-signature"))
	if sigHeader == "" {
		return jsonError(c, fiber.StatusBadRequest, "Missing Stripe signature", "", nil)
	}

	maxBytes := sc.svc.Config().MaxBodyBytes
	if raw := strings.TrimSpace(c.Get(fiber.HeaderContentLength)); raw != "" {
		if declared, err := strconv.Atoi(raw); err == nil && declared > maxBytes {
			return jsonError(c, fiber.StatusRequestEntityTooLarge, "Webhook payload too large", "", nil)
		}
	}
	payload := c.Body()
	if len(payload) > maxBytes {
		return jsonError(c, fiber.StatusRequestEntityTooLarge, "Webhook payload too large", "", nil)
	}

	result, err := sc.svc.IngestWebhook(payload, sigHeader)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return jsonError(c, fiber.StatusBadRequest, "Invalid Stripe signature", "", nil)
		}
		log.Errorf("billing: webhook ingestion failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Webhook could not be recorded", "", nil)
	}

	body := fiber.Map{"received": true}
	if result.Duplicate {
		body["duplicate"] = true
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

// HandleCatalogSync forces one catalog pass; gated by the internal token.
func (sc *StripeController) HandleCatalogSync(c *fiber.Ctx) error {
	stats, err := sc.svc.SyncCatalog(c.UserContext(), true)
	if err != nil {
		log.Errorf("billing: forced catalog sync failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Catalog sync failed", "CATALOG_SYNC_FAILED", nil)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

// HandleSubscriptionSummary returns the workspace's effective plan,
// entitled subscription and entitlements.
func (sc *StripeController) HandleSubscriptionSummary(c *fiber.Ctx) error {
	workspaceID, _ := c.Locals(middleware.KeyWorkspaceID).(string)
	summary, err := sc.svc.GetSubscriptionSummary(c.UserContext(), workspaceID)
	if err != nil {
		log.Errorf("billing: subscription summary failed for workspace %s: %v", workspaceID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Could not load subscription", "BILLING_SUMMARY_FAILED", nil)
	}
	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandleResync forces plan-cache reconciliation for a workspace.
func (sc *StripeController) HandleResync(c *fiber.Ctx) error {
	workspaceID, _ := c.Locals(middleware.KeyWorkspaceID).(string)
	plan, err := sc.svc.ReconcileWorkspacePlan(c.UserContext(), workspaceID)
	if err != nil {
		log.Errorf("billing: resync failed for workspace %s: %v", workspaceID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Could not reconcile plan", "BILLING_RESYNC_FAILED", nil)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"plan": plan})
}

type tickRequest struct {
	Cron string `json:"cron"`
}

// HandleJobsTick runs one scheduled reconciliation tick. The external
// trigger names its cron expression; each tick is idempotent and bounded
// by the configured batch sizes.
func (sc *StripeController) HandleJobsTick(c *fiber.Ctx) error {
	var req tickRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Request body must be JSON with a cron expression", "FIELD_VALIDATION_FAILED", nil)
	}
	if err := sc.svc.Dispatch(c.UserContext(), strings.TrimSpace(req.Cron)); err != nil {
		log.Errorf("billing: tick %q failed: %v", req.Cron, err)
		return jsonError(c, fiber.StatusInternalServerError, "Tick failed", "TICK_FAILED", nil)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
