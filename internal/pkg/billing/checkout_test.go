package billing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"

	"github.com/packetwarden/formflow-api/app/models"
)

const (
	testWorkspace = "11111111-1111-4111-8111-111111111111"
	testClientKey = "22222222-2222-4222-8222-222222222222"
	testActor     = "33333333-3333-4333-8333-333333333333"
)

func seedProVariant(repo *fakeRepo) *models.PlanVariant {
	variant := &models.PlanVariant{
		ID:            "44444444-4444-4444-8444-444444444444",
		PlanSlug:      "pro",
		Interval:      models.IntervalMonthly,
		Currency:      "usd",
		StripePriceID: "price_pro_monthly",
		AmountCents:   1900,
		IsActive:      true,
	}
	repo.variants = append(repo.variants, variant)
	return variant
}

func proCheckoutInput() CheckoutInput {
	return CheckoutInput{
		WorkspaceID:   testWorkspace,
		PlanSlug:      "pro",
		Interval:      models.IntervalMonthly,
		ClientKey:     testClientKey,
		ActorUserID:   testActor,
		CorrelationID: "corr-1",
	}
}

func TestCreateCheckoutSessionFreshRequest(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	svc := newTestService(repo, api)

	result, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)

	assert.Equal(t, "checkout", result.Destination)
	assert.False(t, result.IdempotentReplay)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.URL)

	row, err := repo.GetCheckout(testWorkspace, testClientKey)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusCompleted, row.Status)
	assert.Equal(t, result.SessionID, row.UpstreamSessionID)
	assert.True(t, strings.HasPrefix(row.UpstreamIdempotencyKey, "checkout:v1:"))
}

func TestCreateCheckoutSessionReplaySamePayload(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	svc := newTestService(repo, api)

	first, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)

	second, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)

	assert.True(t, second.IdempotentReplay)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.URL, second.URL)
	// Only one upstream session was ever created.
	assert.Equal(t, 1, api.sessionCounter)
}

func TestCreateCheckoutSessionReplayDifferentPayload(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	repo.variants = append(repo.variants, &models.PlanVariant{
		ID:            "55555555-5555-4555-8555-555555555555",
		PlanSlug:      "business",
		Interval:      models.IntervalYearly,
		Currency:      "usd",
		StripePriceID: "price_business_yearly",
		IsActive:      true,
	})
	svc := newTestService(repo, api)

	_, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)

	in := proCheckoutInput()
	in.PlanSlug = "business"
	in.Interval = models.IntervalYearly
	_, err = svc.CreateCheckoutSession(context.Background(), in)
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
}

func TestCreateCheckoutSessionReplayExpired(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	svc := newTestService(repo, api)

	_, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	assert.ErrorIs(t, err, ErrIdempotencyKeyExpired)
}

func TestCreateCheckoutSessionConcurrentInProgress(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	variant := seedProVariant(repo)
	svc := newTestService(repo, api)

	// Simulate a ledger row another request holds right now.
	_, err := repo.InsertCheckoutInProgress(&models.CheckoutIdempotency{
		WorkspaceID:        testWorkspace,
		ClientKey:          testClientKey,
		PlanVariantID:      variant.ID,
		RequestFingerprint: requestFingerprint(testWorkspace, variant.ID, testActor),
		Status:             models.CheckoutStatusInProgress,
		ExpiresAt:          time.Now().Add(models.CheckoutIdempotencyTTL),
	})
	require.NoError(t, err)

	_, err = svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
}

func TestCreateCheckoutSessionRetryAfterFailure(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	svc := newTestService(repo, api)

	api.checkoutErr = assert.AnError
	_, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.Error(t, err)

	row, err := repo.GetCheckout(testWorkspace, testClientKey)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusFailed, row.Status)
	assert.NotEmpty(t, row.LastError)

	// Same payload may retry and completes this time.
	api.checkoutErr = nil
	result, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)
	assert.False(t, result.IdempotentReplay)

	row, err = repo.GetCheckout(testWorkspace, testClientKey)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusCompleted, row.Status)
}

func TestCreateCheckoutSessionPortalForEntitledWorkspace(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	seedProVariant(repo)
	require.NoError(t, repo.SaveSubscription(&models.Subscription{
		WorkspaceID:          testWorkspace,
		PlanSlug:             "pro",
		Status:               models.SubscriptionStatusActive,
		StripeSubscriptionID: "sub_live",
		StripeCustomerID:     "cus_live",
	}))
	svc := newTestService(repo, api)

	result, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)
	assert.Equal(t, "portal", result.Destination)
	assert.Equal(t, "active_subscription_exists", result.Reason)
	assert.True(t, strings.HasPrefix(result.SessionID, "bps_"))

	// Replaying returns the same portal session.
	replay, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)
	assert.True(t, replay.IdempotentReplay)
	assert.Equal(t, "portal", replay.Destination)
	assert.Equal(t, result.SessionID, replay.SessionID)
}

func TestCreateCheckoutSessionCatalogOutOfSync(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	svc := newTestService(repo, api)

	_, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	assert.ErrorIs(t, err, ErrCatalogOutOfSync)
}

func TestCreateCheckoutSessionCatalogRecoveredByForcedSync(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	// Variant exists but has no price yet; the upstream catalog knows it.
	repo.variants = append(repo.variants, &models.PlanVariant{
		ID:       "66666666-6666-4666-8666-666666666666",
		PlanSlug: "pro",
		Interval: models.IntervalMonthly,
		Currency: "usd",
		IsActive: true,
	})
	api.prices = []*stripe.Price{
		{
			ID:         "price_pro_monthly",
			Currency:   stripe.CurrencyUSD,
			UnitAmount: 1900,
			Created:    100,
			LookupKey:  "formsandbox:prod:pro:monthly:usd",
			Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
		},
	}
	svc := newTestService(repo, api)

	result, err := svc.CreateCheckoutSession(context.Background(), proCheckoutInput())
	require.NoError(t, err)
	assert.Equal(t, "checkout", result.Destination)

	variant, err := repo.FindActiveVariant("pro", models.IntervalMonthly, "usd")
	require.NoError(t, err)
	assert.Equal(t, "price_pro_monthly", variant.StripePriceID)
}

func TestRequestFingerprintDeterminism(t *testing.T) {
	a := requestFingerprint("ws", "variant", "user")
	b := requestFingerprint("ws", "variant", "user")
	c := requestFingerprint("ws", "variant", "")
	d := requestFingerprint("ws", "variant", "anonymous")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// An absent actor and the literal "anonymous" hash identically.
	assert.Equal(t, c, d)
	assert.Len(t, a, 64)
}

func TestUpstreamIdempotencyKeyLength(t *testing.T) {
	short := upstreamIdempotencyKey(testWorkspace, "variant", testClientKey)
	assert.True(t, len(short) <= 255)
	assert.True(t, strings.HasPrefix(short, "checkout:v1:"))

	long := upstreamIdempotencyKey(strings.Repeat("w", 200), strings.Repeat("v", 100), testClientKey)
	assert.True(t, len(long) <= 255)
	assert.True(t, strings.HasPrefix(long, "checkout:v1:"))
}
