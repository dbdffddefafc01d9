// Package billing turns Stripe checkout sessions into subscription rows.
// It owns the only tier-selection path: paid tiers go through checkout (with
// a webhook and a verification fallback) and tier1 is granted directly.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/sationly/sationly/pkg/practice"
)

// CheckoutMode mirrors Stripe's checkout session modes.
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// Metadata keys carried on checkout sessions.
const (
	MetaUserID   = "userId"
	MetaTier     = "tier"
	MetaReferral = "referral_code"
)

// PaymentStatusPaid is the checkout payment status that grants a tier.
const PaymentStatusPaid = "paid"

// CheckoutParams is what the service asks the payment provider to create.
type CheckoutParams struct {
	Mode              CheckoutMode
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is the provider's view of a checkout.
type CheckoutSession struct {
	ID             string
	URL            string
	PaymentStatus  string
	SubscriptionID string
	Metadata       map[string]string
}

// CheckoutAPI is the subset of the payment provider the service calls.
type CheckoutAPI interface {
	CreateSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, id string) (CheckoutSession, error)
}

// EventVerifier checks a webhook signature and decodes the event.
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// Event is a verified webhook event.
type Event struct {
	ID   string
	Type string
	// Object is the raw data.object of the event.
	Object json.RawMessage
}

// EventCheckoutCompleted is the only webhook event the service acts on.
const EventCheckoutCompleted = "checkout.session.completed"

// SubscriptionStore reads and writes subscription rows.
type SubscriptionStore interface {
	GetSubscriptionRow(ctx context.Context, userID string) (practice.Subscription, bool, error)
	UpsertSubscription(ctx context.Context, sub practice.Subscription) error
}

// Prices maps paid tiers to Stripe price IDs.
type Prices struct {
	Tier2 string
	Tier3 string
}

// Error carries the HTTP status and the {message, details} body the billing
// endpoints answer with.
type Error struct {
	Status  int
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// AsError returns the billing error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Service implements checkout, verification, webhook and free-tier flows.
type Service struct {
	Checkout      CheckoutAPI
	Events        EventVerifier
	Subscriptions SubscriptionStore
	Prices        Prices
	Logger        *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// priceFor returns the checkout mode and price for a paid tier.
func (s *Service) priceFor(tier practice.Tier) (CheckoutMode, string, error) {
	var (
		mode  CheckoutMode
		price string
	)
	switch tier {
	case practice.Tier2:
		mode, price = ModeSubscription, s.Prices.Tier2
	case practice.Tier3:
		mode, price = ModePayment, s.Prices.Tier3
	default:
		return "", "", newError(http.StatusBadRequest, fmt.Sprintf("Invalid tier: %s. Must be 'tier2' or 'tier3'.", tier))
	}
	price = strings.TrimSpace(price)
	if !strings.HasPrefix(price, "price_") || price == "price_xxxxx" {
		return "", "", newError(http.StatusInternalServerError, fmt.Sprintf("Price ID not configured for %s. Please check your environment variables.", tier))
	}
	return mode, price, nil
}

// CreateCheckout starts a checkout for a paid tier and returns its URL.
// origin is the scheme and host the browser should return to.
func (s *Service) CreateCheckout(ctx context.Context, userID string, tier practice.Tier, origin, referral string) (string, error) {
	if s.Checkout == nil {
		return "", newError(http.StatusInternalServerError, "Stripe is not configured.")
	}
	mode, price, err := s.priceFor(tier)
	if err != nil {
		return "", err
	}
	origin = strings.TrimRight(origin, "/")

	meta := map[string]string{MetaUserID: userID, MetaTier: string(tier)}
	if code := NormalizeReferral(referral); code != "" {
		meta[MetaReferral] = code
	}
	session, err := s.Checkout.CreateSession(ctx, CheckoutParams{
		Mode:              mode,
		PriceID:           price,
		SuccessURL:        origin + "/dashboard?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         origin + "/select-tier?canceled=true",
		ClientReferenceID: userID,
		Metadata:          meta,
	})
	if err != nil {
		s.logger().Error("checkout create failed", "user_id", userID, "tier", tier, "error", err)
		return "", &Error{Status: http.StatusInternalServerError, Message: "Failed to create checkout session", Details: err.Error(), Err: err}
	}
	return session.URL, nil
}

// Activation reports what a verification or free-tier request did.
type Activation struct {
	Subscription practice.Subscription `json:"subscription"`
	Action       string                `json:"action"`
}

// VerifyCheckout activates the tier for a paid checkout session that belongs
// to userID. It covers the window where the webhook has not arrived yet.
func (s *Service) VerifyCheckout(ctx context.Context, userID, sessionID string) (Activation, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Activation{}, newError(http.StatusBadRequest, "Missing sessionId")
	}
	if s.Checkout == nil {
		return Activation{}, newError(http.StatusInternalServerError, "Configuration missing")
	}
	session, err := s.Checkout.RetrieveSession(ctx, sessionID)
	if err != nil {
		return Activation{}, &Error{Status: http.StatusInternalServerError, Message: "Failed to verify checkout session", Details: err.Error(), Err: err}
	}
	if session.PaymentStatus != PaymentStatusPaid {
		return Activation{}, &Error{Status: http.StatusBadRequest, Message: "Payment not completed", Details: session.PaymentStatus}
	}
	if session.Metadata[MetaUserID] != userID {
		return Activation{}, newError(http.StatusForbidden, "User ID mismatch")
	}
	tier := practice.ParseTier(session.Metadata[MetaTier])
	if tier == practice.TierNone {
		return Activation{}, newError(http.StatusBadRequest, "Missing tier in metadata")
	}

	_, existed, err := s.Subscriptions.GetSubscriptionRow(ctx, userID)
	if err != nil {
		return Activation{}, storeFailure(err)
	}
	sub := practice.Subscription{
		UserID:               userID,
		Tier:                 tier,
		Status:               practice.StatusActive,
		StripeSubscriptionID: firstNonEmpty(session.SubscriptionID, session.ID),
		ReferralCode:         NormalizeReferral(session.Metadata[MetaReferral]),
	}
	if err := s.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		return Activation{}, storeFailure(err)
	}
	action := "created"
	if existed {
		action = "updated"
	}
	s.logger().Info("subscription activated from checkout", "user_id", userID, "tier", tier, "action", action)
	return Activation{Subscription: sub, Action: action}, nil
}

type checkoutObject struct {
	ID           string            `json:"id"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscriptionID accepts both the unexpanded string form and an expanded
// object.
func (o checkoutObject) subscriptionID() string {
	if len(o.Subscription) == 0 || string(o.Subscription) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(o.Subscription, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(o.Subscription, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// HandleWebhook verifies and applies a webhook delivery. Events other than
// checkout completion are acknowledged without action.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.Events == nil {
		return newError(http.StatusInternalServerError, "Stripe webhook not configured")
	}
	event, err := s.Events.Verify(payload, signature)
	if err != nil {
		s.logger().Warn("webhook signature verification failed", "error", err)
		return &Error{Status: http.StatusBadRequest, Message: "Webhook Error", Details: err.Error(), Err: err}
	}
	if event.Type != EventCheckoutCompleted {
		s.logger().Debug("webhook event ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}

	var obj checkoutObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return &Error{Status: http.StatusBadRequest, Message: "Malformed checkout session", Details: err.Error(), Err: err}
	}
	userID := strings.TrimSpace(obj.Metadata[MetaUserID])
	tier := practice.ParseTier(obj.Metadata[MetaTier])
	if userID == "" || tier == practice.TierNone {
		s.logger().Warn("webhook checkout missing metadata", "event_id", event.ID)
		return newError(http.StatusBadRequest, "Missing metadata")
	}

	sub := practice.Subscription{
		UserID:               userID,
		Tier:                 tier,
		Status:               practice.StatusActive,
		StripeSubscriptionID: firstNonEmpty(obj.subscriptionID(), obj.ID),
		ReferralCode:         NormalizeReferral(obj.Metadata[MetaReferral]),
	}
	if err := s.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		s.logger().Error("webhook subscription upsert failed", "user_id", userID, "error", err)
		return &Error{Status: http.StatusInternalServerError, Message: "Failed to update subscription", Err: err}
	}
	s.logger().Info("subscription activated", "user_id", userID, "tier", tier, "referral_code", sub.ReferralCode)
	return nil
}

// CreateFreeTier activates tier1 without contacting Stripe.
func (s *Service) CreateFreeTier(ctx context.Context, userID, referral string) (practice.Subscription, error) {
	sub := practice.Subscription{
		UserID:       userID,
		Tier:         practice.Tier1,
		Status:       practice.StatusActive,
		ReferralCode: NormalizeReferral(referral),
	}
	if err := s.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		return practice.Subscription{}, storeFailure(err)
	}
	s.logger().Info("tier1 subscription activated", "user_id", userID, "referral_code", sub.ReferralCode)
	return sub, nil
}

func storeFailure(err error) error {
	return &Error{Status: http.StatusInternalServerError, Message: "Failed to create subscription", Details: err.Error(), Err: err}
}

var referralPattern = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

// NormalizeReferral lowercases and trims a referral code. Codes outside
// [a-z0-9_-]{2,32} are dropped.
func NormalizeReferral(raw string) string {
	code := strings.ToLower(strings.TrimSpace(raw))
	if !referralPattern.MatchString(code) {
		return ""
	}
	return code
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
