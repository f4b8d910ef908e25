package billing

import (
	"strings"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/entitlements"
)

// MapUpstreamStatus folds provider subscription statuses onto the internal
// status set. Unknown statuses land in past_due so entitlement is preserved
// until reconciliation settles them.
func MapUpstreamStatus(upstream string) string {
	switch strings.ToLower(strings.TrimSpace(upstream)) {
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "active":
		return models.SubscriptionStatusActive
	case "past_due", "incomplete":
		return models.SubscriptionStatusPastDue
	case "unpaid":
		return models.SubscriptionStatusUnpaid
	case "paused":
		return models.SubscriptionStatusPaused
	case "incomplete_expired", "canceled":
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusPastDue
	}
}

// bestEntitledPlan picks the plan cache value for a workspace from its
// subscription rows: the latest entitled row's slug, otherwise free.
func bestEntitledPlan(subs []models.Subscription) string {
	best := ""
	var bestUpdated int64 = -1
	for i := range subs {
		sub := &subs[i]
		if !entitlements.IsEntitledStatus(sub.Status) {
			continue
		}
		if updated := sub.UpdatedAt.UnixNano(); updated > bestUpdated {
			bestUpdated = updated
			best = sub.PlanSlug
		}
	}
	if best == "" {
		return string(entitlements.PlanFree)
	}
	return string(entitlements.Normalize(best))
}
