package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/cache"
	"github.com/packetwarden/formflow-api/internal/pkg/env"
	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
	"github.com/packetwarden/formflow-api/internal/pkg/schema"
)

// SchemaCache is the read-through cache for immutable published forms.
type SchemaCache interface {
	Get(key string) (string, error)
	Set(key string, value any, ttl time.Duration) error
}

type redisSchemaCache struct{}

func (redisSchemaCache) Get(key string) (string, error) { return cache.Get(key) }
func (redisSchemaCache) Set(key string, value any, ttl time.Duration) error {
	return cache.Set(key, value, ttl)
}

// SubmitInput is the validated request handed to the pipeline.
type SubmitInput struct {
	FormID         string
	IdempotencyKey string
	Data           map[string]any
	StartedAt      *time.Time
	Meta           requestmeta.Meta
}

// SubmitResult is the successful pipeline outcome.
type SubmitResult struct {
	SubmissionID   string
	SuccessMessage string
	RedirectURL    *string
}

// Service orchestrates the public submission pipeline:
// rate-limit gate, schema load, contract parse, sanitize, validate,
// quota check, transactional persist. Steps run strictly in that order.
type Service struct {
	repo       Repository
	cache      SchemaCache
	cacheTTL   time.Duration
	upgradeURL string
}

// NewService creates a runner service with the shared redis schema cache.
func NewService(repo Repository) *Service {
	return &Service{
		repo:       repo,
		cache:      redisSchemaCache{},
		cacheTTL:   time.Duration(env.GetEnvInt("SCHEMA_CACHE_TTL_SECONDS", 60)) * time.Second,
		upgradeURL: env.GetEnv("BILLING_UPGRADE_URL", "/settings/billing"),
	}
}

// NewServiceWithCache creates a runner service with an injected cache;
// used by tests.
func NewServiceWithCache(repo Repository, c SchemaCache) *Service {
	s := NewService(repo)
	s.cache = c
	return s
}

// GetForm loads a published form, read-through cached. Published schemas are
// immutable, so a short TTL only bounds eviction, not staleness.
func (s *Service) GetForm(ctx context.Context, formID string) (*models.PublishedForm, error) {
	cacheKey := "form_schema:" + formID
	if s.cache != nil {
		if raw, err := s.cache.Get(cacheKey); err == nil && raw != "" {
			var form models.PublishedForm
			if err := json.Unmarshal([]byte(raw), &form); err == nil {
				return &form, nil
			}
		}
	}

	form, err := s.repo.GetPublishedFormByID(ctx, formID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFormNotFound
		}
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(form); err == nil {
			if err := s.cache.Set(cacheKey, string(raw), s.cacheTTL); err != nil {
				log.Warnf("runner: schema cache write failed for form %s: %v", formID, err)
			}
		}
	}
	return form, nil
}

// Submit runs the full pipeline for one public submission.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	// 1. Strict rate-limit gate; failure to evaluate fails closed.
	if err := s.repo.CheckRequest(ctx, in.Meta); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, ErrRateLimited
		}
		log.Errorf("runner: rate limit check failed for form %s: %v", in.FormID, err)
		return nil, fmt.Errorf("%w: %v", ErrRateLimitCheckFailed, err)
	}

	// 2. Load published form.
	form, err := s.GetForm(ctx, in.FormID)
	if err != nil {
		return nil, err
	}

	// 3. Parse the schema contract.
	contract, err := schema.ParseContract([]byte(form.PublishedSchema))
	if err != nil {
		return nil, err
	}

	// 4. Sanitize: reject unknown keys, strip hidden fields.
	sanitized, visibility, err := sanitize(contract, in.Data)
	if err != nil {
		return nil, err
	}

	// 5. Validate visible values.
	if issues := contract.ValidateValues(sanitized, visibility); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	// 6. Quota gate.
	quota, err := s.repo.GetFormSubmissionQuota(ctx, in.FormID)
	if err != nil {
		return nil, err
	}
	if !quota.IsEnabled {
		return nil, &QuotaError{Disabled: true, Feature: quota.FeatureKey, Current: quota.CurrentUsage, Allowed: quota.LimitValue, UpgradeURL: s.upgradeURL}
	}
	if quota.Exceeded() {
		return nil, &QuotaError{Feature: quota.FeatureKey, Current: quota.CurrentUsage, Allowed: quota.LimitValue, UpgradeURL: s.upgradeURL}
	}

	// 7. Transactional persist; replays return the original submission id.
	submissionID, err := s.repo.SubmitForm(ctx, SubmitParams{
		FormID:         in.FormID,
		Data:           sanitized,
		IdempotencyKey: in.IdempotencyKey,
		IP:             in.Meta.ClientIP,
		UserAgent:      in.Meta.UserAgent,
		Referer:        in.Meta.Referer,
		StartedAt:      in.StartedAt,
	})
	if err != nil {
		return nil, MapSubmitError(err)
	}

	return &SubmitResult{
		SubmissionID:   submissionID,
		SuccessMessage: form.SuccessMessage,
		RedirectURL:    form.RedirectURL,
	}, nil
}

// sanitize rejects submitted keys absent from the registry and drops keys
// whose field is not visible for this submission.
func sanitize(contract *schema.Contract, data map[string]any) (map[string]any, map[string]bool, error) {
	var unknown []string
	for key := range data {
		if _, ok := contract.Field(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, nil, &ValidationError{UnknownFields: unknown}
	}

	visibility := contract.Visibility(data)
	sanitized := make(map[string]any, len(data))
	for key, value := range data {
		if visibility[key] {
			sanitized[key] = value
		}
	}
	return sanitized, visibility, nil
}
