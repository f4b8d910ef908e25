package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"

	"github.com/packetwarden/formflow-api/app/models"
)

func TestIngestWebhookRejectsBadSignature(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	api.constructErr = &stripe.Error{Msg: "signature mismatch"}
	svc := newTestService(repo, api)

	_, err := svc.IngestWebhook([]byte(`{}`), "t=1,v1=bogus")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, repo.webhooks)
}

func TestIngestWebhookStoresAndDeduplicates(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeStripe()
	api.constructedEvent = stripe.Event{ID: "evt_in", Type: "charge.succeeded"}
	svc := newTestService(repo, api)

	first, err := svc.IngestWebhook([]byte(`{"id":"evt_in"}`), "sig")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "evt_in", first.EventID)

	second, err := svc.IngestWebhook([]byte(`{"id":"evt_in"}`), "sig")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	// Exactly one durable row regardless of delivery count.
	assert.Len(t, repo.webhooks, 1)

	// The async processor eventually completes the unhandled event.
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.webhooks["evt_in"].Status == models.WebhookStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
