package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sationly/sationly/pkg/billing"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/practice"
)

// BillingHandler serves the tier-selection endpoints under /api.
type BillingHandler struct {
	Config  config.Config
	Service *billing.Service
	Logger  *slog.Logger
}

type checkoutRequest struct {
	Tier         string `json:"tier"`
	UserID       string `json:"userId"`
	ReferralCode string `json:"referralCode"`
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
}

type tier1Request struct {
	UserID       string `json:"userId"`
	ReferralCode string `json:"referralCode"`
}

// CreateCheckoutSession serves POST /api/create-checkout-session.
func (h BillingHandler) CreateCheckoutSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req checkoutRequest
		userID, ok := h.begin(w, r, &req)
		if !ok {
			return
		}
		if userID != req.UserID {
			writeLegacyMessage(w, http.StatusForbidden, "User ID mismatch")
			return
		}
		url, err := h.Service.CreateCheckout(r.Context(), userID, practice.Tier(strings.TrimSpace(req.Tier)), h.origin(r), req.ReferralCode)
		if err != nil {
			h.fail(w, r, "checkout session creation failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"checkoutUrl": url})
	})
}

// VerifyCheckoutSession serves POST /api/verify-checkout-session, the
// fallback for a webhook that has not arrived yet.
func (h BillingHandler) VerifyCheckoutSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		userID, ok := h.begin(w, r, &req)
		if !ok {
			return
		}
		act, err := h.Service.VerifyCheckout(r.Context(), userID, req.SessionID)
		if err != nil {
			h.fail(w, r, "checkout verification failed", err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success      bool                  `json:"success"`
			Subscription practice.Subscription `json:"subscription"`
			Action       string                `json:"action"`
		}{true, act.Subscription, act.Action})
	})
}

// CreateTier1Subscription serves POST /api/create-tier1-subscription.
func (h BillingHandler) CreateTier1Subscription() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tier1Request
		userID, ok := h.begin(w, r, &req)
		if !ok {
			return
		}
		if userID != req.UserID {
			writeLegacyMessage(w, http.StatusForbidden, "User ID mismatch")
			return
		}
		sub, err := h.Service.CreateFreeTier(r.Context(), userID, req.ReferralCode)
		if err != nil {
			h.fail(w, r, "free tier creation failed", err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success      bool                  `json:"success"`
			Subscription practice.Subscription `json:"subscription"`
		}{true, sub})
	})
}

// StripeWebhook serves POST /api/stripe-webhook. The raw body is needed for
// signature verification, so it is read before any decoding.
func (h BillingHandler) StripeWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeLegacyMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if h.Service == nil {
			writeLegacyMessage(w, http.StatusInternalServerError, "Stripe webhook not configured")
			return
		}
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeLegacyMessage(w, http.StatusBadRequest, "Webhook Error")
			return
		}
		if err := h.Service.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
			h.fail(w, r, "stripe webhook failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	})
}

// begin checks method, configuration and principal, then decodes the body.
func (h BillingHandler) begin(w http.ResponseWriter, r *http.Request, body any) (string, bool) {
	if r.Method != http.MethodPost {
		writeLegacyMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return "", false
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.UserID == "" {
		writeLegacyMessage(w, http.StatusUnauthorized, "Missing auth token")
		return "", false
	}
	if h.Service == nil {
		writeLegacyMessage(w, http.StatusInternalServerError, "Configuration missing")
		return "", false
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil && err != io.EOF {
		writeLegacyMessage(w, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	return p.UserID, true
}

func (h BillingHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, "request_id", requestIDFromContext(r.Context()), "error", err)
	writeLegacyError(w, err)
}

// origin is where checkout returns the browser.
func (h BillingHandler) origin(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get("Origin")); o != "" {
		return strings.TrimRight(o, "/")
	}
	if h.Config.PublicOrigin != "" {
		return strings.TrimRight(h.Config.PublicOrigin, "/")
	}
	return "http://localhost:5000"
}
