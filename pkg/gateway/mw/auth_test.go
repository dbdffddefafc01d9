package mw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
)

func tokenVerifier(valid map[string]string) auth.Verifier {
	return auth.VerifierFunc(func(_ context.Context, token string) (*auth.Principal, error) {
		if token == "broken" {
			return nil, errors.New("connection refused")
		}
		id, ok := valid[token]
		if !ok {
			return nil, auth.ErrInvalidToken
		}
		return &auth.Principal{UserID: id}, nil
	})
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(p.UserID))
	})
}

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, tokenVerifier(nil), echoPrincipal())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/environments", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"type":"authentication_error"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestAuth_LegacyPathAnswersMessageBody(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, tokenVerifier(nil), echoPrincipal())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/create-checkout-session", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"message":"Missing auth token"}` {
		t.Fatalf("body=%q", got)
	}
}

func TestAuth_Verification(t *testing.T) {
	verifier := tokenVerifier(map[string]string{"good": "user-1"})
	cases := []struct {
		name   string
		mode   config.AuthMode
		header string
		status int
		body   string
	}{
		{"required valid", config.AuthModeRequired, "Bearer good", http.StatusOK, "user-1"},
		{"required invalid", config.AuthModeRequired, "Bearer nope", http.StatusUnauthorized, ""},
		{"verifier down", config.AuthModeRequired, "Bearer broken", http.StatusBadGateway, ""},
		{"optional anonymous", config.AuthModeOptional, "", http.StatusNoContent, ""},
		{"optional valid", config.AuthModeOptional, "Bearer good", http.StatusOK, "user-1"},
		{"optional invalid", config.AuthModeOptional, "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Auth(config.Config{AuthMode: tc.mode}, verifier, echoPrincipal())
			req := httptest.NewRequest(http.MethodGet, "/v1/environments", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			if tc.body != "" && rr.Body.String() != tc.body {
				t.Fatalf("body=%q want %q", rr.Body.String(), tc.body)
			}
		})
	}
}

func TestAuth_DisabledInjectsDevUser(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeDisabled, DevUserID: "local-dev"}, nil, echoPrincipal())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tier", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "local-dev" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_PracticeWebSocketUpgradeBypass(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, tokenVerifier(nil), echoPrincipal())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/practice", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_StripeWebhookBypass(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, tokenVerifier(nil), echoPrincipal())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
