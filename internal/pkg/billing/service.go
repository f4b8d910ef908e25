package billing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/entitlements"
)

// Service owns the billing-integration state machine: the checkout
// idempotency ledger, customer-mapping recovery, the webhook claim queue,
// event processing and scheduled reconciliation. It keeps no in-process
// state beyond configuration; all coordination goes through the database.
type Service struct {
	repo        Repository
	stripe      StripeAPI
	cfg         Config
	processorID string
	now         func() time.Time
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, api StripeAPI, cfg Config) *Service {
	host, _ := os.Hostname()
	if host == "" {
		host = "formflow"
	}
	return &Service{
		repo:        repo,
		stripe:      api,
		cfg:         cfg,
		processorID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:         time.Now,
	}
}

// NewServiceFromDB creates a billing service from a GORM DB handle using
// the live upstream client and environment configuration.
func NewServiceFromDB(db *gorm.DB) *Service {
	cfg := LoadConfig()
	return NewService(NewRepository(db), NewStripeAPI(cfg), cfg)
}

// Config exposes the loaded billing configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// refreshPlanCache writes the denormalized workspace plan: the latest
// entitled subscription's slug, otherwise free.
func (s *Service) refreshPlanCache(ctx context.Context, workspaceID string) error {
	_ = ctx
	subs, err := s.repo.ListSubscriptionsByWorkspace(workspaceID)
	if err != nil {
		return err
	}
	return s.repo.UpdateWorkspacePlan(workspaceID, bestEntitledPlan(subs))
}

// ReconcileWorkspacePlan converges a single workspace: a free entitled row
// is ensured when no paid entitled row exists, then the plan cache is
// refreshed. Returns the effective plan slug.
func (s *Service) ReconcileWorkspacePlan(ctx context.Context, workspaceID string) (string, error) {
	if _, err := s.repo.GetLatestEntitledPaidSubscription(workspaceID); err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		if err := s.repo.EnsureFreeSubscription(ctx, workspaceID, "resync"); err != nil {
			return "", err
		}
	}
	if err := s.refreshPlanCache(ctx, workspaceID); err != nil {
		return "", err
	}
	subs, err := s.repo.ListSubscriptionsByWorkspace(workspaceID)
	if err != nil {
		return "", err
	}
	return bestEntitledPlan(subs), nil
}

// SubscriptionSummary is the billing-settings payload for a workspace.
type SubscriptionSummary struct {
	Plan         string               `json:"plan"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Entitlements []models.Entitlement `json:"entitlements"`
}

// GetSubscriptionSummary returns the current entitled subscription, the
// effective plan and the workspace entitlements.
func (s *Service) GetSubscriptionSummary(ctx context.Context, workspaceID string) (*SubscriptionSummary, error) {
	summary := &SubscriptionSummary{Plan: string(entitlements.PlanFree)}

	sub, err := s.repo.GetLatestEntitledSubscription(workspaceID)
	if err == nil {
		summary.Subscription = sub
		summary.Plan = string(entitlements.Normalize(sub.PlanSlug))
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ents, err := s.repo.GetWorkspaceEntitlements(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	summary.Entitlements = ents
	return summary, nil
}

// MemberRole resolves the caller's role in a workspace.
func (s *Service) MemberRole(workspaceID, userID string) (string, error) {
	return s.repo.GetMemberRole(workspaceID, userID)
}

// Scheduled tick dispatch. The external trigger supplies its cron
// expression; unknown expressions run every pass sequentially so a
// misconfigured trigger still converges.
const (
	CronDueRetry    = "*/5 * * * *"
	CronGraceExpiry = "0 * * * *"
	CronRetention   = "30 2 * * *"
)

// Dispatch selects and runs the reconciliation pass for a tick.
func (s *Service) Dispatch(ctx context.Context, cron string) error {
	switch cron {
	case CronDueRetry:
		return s.RunDueRetries(ctx)
	case CronGraceExpiry:
		return s.RunGraceExpiry(ctx)
	case CronRetention:
		return s.RunRetention(ctx)
	case s.cfg.CatalogCron:
		if !s.cfg.CatalogEnabled {
			log.Info("billing: catalog sync disabled, skipping scheduled pass")
			return nil
		}
		_, err := s.SyncCatalog(ctx, false)
		return err
	default:
		log.Warnf("billing: unknown tick cron %q, running all passes", cron)
		if err := s.RunDueRetries(ctx); err != nil {
			return err
		}
		if err := s.RunGraceExpiry(ctx); err != nil {
			return err
		}
		if s.cfg.CatalogEnabled {
			if _, err := s.SyncCatalog(ctx, false); err != nil {
				return err
			}
		}
		return s.RunRetention(ctx)
	}
}

// RunDueRetries claims and processes due webhook rows: pending work whose
// first processing never ran, failed rows past their backoff, and stale
// processing rows whose lease expired.
func (s *Service) RunDueRetries(ctx context.Context) error {
	ids, err := s.repo.ListDueEventIDs(s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.ProcessEvent(ctx, id); err != nil {
			log.Errorf("billing: retry of event %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Infof("billing: retry pass touched %d events", len(ids))
	}
	return nil
}

// RunGraceExpiry downgrades past_due subscriptions whose grace period has
// elapsed: cancel, ensure free, refresh plan cache.
func (s *Service) RunGraceExpiry(ctx context.Context) error {
	subs, err := s.repo.ListPastDueWithExpiredGrace(s.cfg.GraceBatchSize)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range subs {
		sub := &subs[i]
		sub.Status = models.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.EndedAt = &now
		sub.GracePeriodEnd = nil
		if err := s.repo.SaveSubscription(sub); err != nil {
			log.Errorf("billing: grace downgrade save failed for subscription %d: %v", sub.ID, err)
			continue
		}
		if err := s.repo.EnsureFreeSubscription(ctx, sub.WorkspaceID, "grace_expiry"); err != nil {
			log.Errorf("billing: ensure free failed for workspace %s: %v", sub.WorkspaceID, err)
			continue
		}
		if err := s.refreshPlanCache(ctx, sub.WorkspaceID); err != nil {
			log.Errorf("billing: plan cache refresh failed for workspace %s: %v", sub.WorkspaceID, err)
		}
	}
	if len(subs) > 0 {
		log.Infof("billing: grace pass downgraded %d subscriptions", len(subs))
	}
	return nil
}

// RunRetention purges completed webhook rows older than 30 days.
func (s *Service) RunRetention(ctx context.Context) error {
	_ = ctx
	deleted, err := s.repo.DeleteCompletedBefore(s.now().Add(-30 * 24 * time.Hour))
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Infof("billing: retention purged %d completed webhook events", deleted)
	}
	return nil
}
