package billing

import (
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeAPI is the narrow upstream surface the gateway consumes. The live
// implementation wraps the official client; tests substitute a fake.
type StripeAPI interface {
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	GetCustomer(id string) (*stripe.Customer, error)
	CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	GetSubscription(id string) (*stripe.Subscription, error)
	ListActiveRecurringPrices() ([]*stripe.Price, error)
	ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type liveStripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripeAPI creates the live upstream client.
func NewStripeAPI(cfg Config) StripeAPI {
	return &liveStripe{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (s *liveStripe) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.New(params)
}

func (s *liveStripe) CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return s.api.BillingPortalSessions.New(params)
}

func (s *liveStripe) GetCustomer(id string) (*stripe.Customer, error) {
	return s.api.Customers.Get(id, nil)
}

func (s *liveStripe) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return s.api.Customers.New(params)
}

func (s *liveStripe) GetSubscription(id string) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Get(id, nil)
}

func (s *liveStripe) ListActiveRecurringPrices() ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
		Type:   stripe.String(string(stripe.PriceTypeRecurring)),
	}
	params.Limit = stripe.Int64(100)

	var prices []*stripe.Price
	iter := s.api.Prices.List(params)
	for iter.Next() {
		prices = append(prices, iter.Price())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}

func (s *liveStripe) ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
}

// IsMissingCustomer recognizes the upstream "customer is gone" shapes:
// a resource_missing invalid-request error on the customer param, or a
// message naming the known id.
func IsMissingCustomer(err error, customerID string) bool {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return false
	}
	if sErr.Type == stripe.ErrorTypeInvalidRequest &&
		sErr.Code == stripe.ErrorCodeResourceMissing &&
		sErr.Param == "customer" {
		return true
	}
	if customerID != "" &&
		strings.Contains(sErr.Msg, "No such customer") &&
		strings.Contains(sErr.Msg, customerID) {
		return true
	}
	return false
}
