package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// StripeCheckout is the CheckoutAPI backed by the Stripe API.
type StripeCheckout struct {
	client *stripe.Client
}

// NewStripeCheckout builds a checkout client for a secret key.
func NewStripeCheckout(secretKey string, opts ...stripe.ClientOption) (*StripeCheckout, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	return &StripeCheckout{client: stripe.NewClient(secretKey, opts...)}, nil
}

func (c *StripeCheckout) CreateSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:               stripe.String(string(p.Mode)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return CheckoutSession{}, err
	}
	return fromStripeSession(session), nil
}

func (c *StripeCheckout) RetrieveSession(ctx context.Context, id string) (CheckoutSession, error) {
	session, err := c.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
	if err != nil {
		return CheckoutSession{}, err
	}
	return fromStripeSession(session), nil
}

func fromStripeSession(s *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

// StripeEvents verifies Stripe-Signature headers against the endpoint secret.
type StripeEvents struct {
	Secret string
}

func (v StripeEvents) Verify(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Event{}, errors.New("webhook secret is not configured")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, err
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out, nil
}
