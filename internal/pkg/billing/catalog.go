package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"
)

// catalogCandidate is one upstream price eligible to back a plan variant.
type catalogCandidate struct {
	planSlug string
	interval string
	currency string
	price    *stripe.Price
}

// SyncCatalog maps the active recurring upstream price list onto local plan
// variants. Scheduled runs honor the enabled flag; forced runs (checkout or
// webhook fallback) ignore it.
func (s *Service) SyncCatalog(ctx context.Context, forced bool) (*CatalogSyncStats, error) {
	_ = ctx
	if !forced && !s.cfg.CatalogEnabled {
		return &CatalogSyncStats{}, nil
	}
	if !s.cfg.Configured() {
		return nil, ErrBillingConfigMissing
	}

	prices, err := s.stripe.ListActiveRecurringPrices()
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}

	stats := &CatalogSyncStats{ScannedPrices: len(prices)}

	// For each (plan, interval, currency) keep the newest eligible price.
	best := make(map[string]catalogCandidate)
	for _, price := range prices {
		candidate, ok := s.classifyPrice(price)
		if !ok {
			continue
		}
		stats.EligiblePrices++
		key := candidate.planSlug + "|" + candidate.interval + "|" + candidate.currency
		if current, exists := best[key]; !exists || price.Created > current.price.Created {
			best[key] = candidate
		}
	}

	for _, candidate := range best {
		variant, err := s.repo.FindActiveVariant(candidate.planSlug, candidate.interval, candidate.currency)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				stats.MissingVariants++
				log.Warnf("billing: no active variant for %s/%s/%s (price %s)",
					candidate.planSlug, candidate.interval, candidate.currency, candidate.price.ID)
				continue
			}
			return stats, err
		}

		amount := candidate.price.UnitAmount
		currency := string(candidate.price.Currency)
		if variant.StripePriceID == candidate.price.ID && variant.AmountCents == amount && variant.Currency == currency {
			continue
		}
		variant.StripePriceID = candidate.price.ID
		variant.AmountCents = amount
		variant.Currency = currency
		if err := s.repo.SaveVariant(variant); err != nil {
			return stats, err
		}
		stats.UpdatedVariants++
	}

	log.Infof("billing: catalog sync scanned=%d eligible=%d updated=%d missing=%d",
		stats.ScannedPrices, stats.EligiblePrices, stats.UpdatedVariants, stats.MissingVariants)
	return stats, nil
}

// classifyPrice decides whether an upstream price backs a variant. The
// lookup key wins over metadata when both speak; self_serve="false"
// metadata vetoes either path.
func (s *Service) classifyPrice(price *stripe.Price) (catalogCandidate, bool) {
	none := catalogCandidate{}
	if price == nil || price.Recurring == nil {
		return none, false
	}
	if string(price.Currency) != "usd" || price.UnitAmount < 0 {
		return none, false
	}

	var interval string
	switch price.Recurring.Interval {
	case stripe.PriceRecurringIntervalMonth:
		interval = "monthly"
	case stripe.PriceRecurringIntervalYear:
		interval = "yearly"
	default:
		return none, false
	}

	if strings.EqualFold(price.Metadata["self_serve"], "false") {
		return none, false
	}

	if slug, lookupInterval, ok := s.parseLookupKey(price.LookupKey); ok {
		if lookupInterval != interval {
			return none, false
		}
		return catalogCandidate{planSlug: slug, interval: interval, currency: "usd", price: price}, true
	}

	// Metadata path: explicitly self-serve pro/business prices.
	slug := strings.ToLower(strings.TrimSpace(price.Metadata["plan_slug"]))
	metaInterval := strings.ToLower(strings.TrimSpace(price.Metadata["interval"]))
	if (slug == "pro" || slug == "business") &&
		(metaInterval == "monthly" || metaInterval == "yearly") &&
		price.Metadata["self_serve"] == "true" &&
		metaInterval == interval {
		return catalogCandidate{planSlug: slug, interval: interval, currency: "usd", price: price}, true
	}
	return none, false
}

// parseLookupKey matches formsandbox:{env}:{plan_slug}:{interval}:usd.
// When STRIPE_CATALOG_ENV is configured the env segment must equal it.
func (s *Service) parseLookupKey(lookupKey string) (string, string, bool) {
	parts := strings.Split(strings.TrimSpace(lookupKey), ":")
	if len(parts) != 5 || parts[0] != "formsandbox" || parts[4] != "usd" {
		return "", "", false
	}
	env, slug, interval := parts[1], parts[2], parts[3]
	if s.cfg.CatalogEnv != "" && env != s.cfg.CatalogEnv {
		return "", "", false
	}
	if interval != "monthly" && interval != "yearly" {
		return "", "", false
	}
	if slug == "" {
		return "", "", false
	}
	return slug, interval, true
}
