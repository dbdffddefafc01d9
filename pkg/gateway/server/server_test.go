package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/store"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:                    config.AuthModeDisabled,
		DevUserID:                   "dev",
		CORSAllowedOrigins:          map[string]struct{}{},
		MaxBodyBytes:                1 << 20,
		MaxUploadBytes:              1 << 20,
		PracticeMaxAudioFrameBytes:  64 << 10,
		PracticeMaxJSONMessageBytes: 16 << 10,
		PracticeHandshakeTimeout:    time.Second,
		WSMaxSessionsPerPrincipal:   1,
		HandlerTimeout:              time.Second,
	}
}

func newTestServer(cfg config.Config, deps Dependencies) *Server {
	return New(cfg, deps, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(testConfig(), Dependencies{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestServer_TierRoute_UsesStore(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.UpsertSubscription(context.Background(), practice.Subscription{UserID: "dev", Tier: practice.Tier3, Status: practice.StatusActive}); err != nil {
		t.Fatal(err)
	}
	s := newTestServer(testConfig(), Dependencies{Store: mem})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tier", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["tier"] != "tier3" || body["customGoals"] != true {
		t.Fatalf("body=%v", body)
	}
}

func TestServer_RequiredAuth_LegacyAndEnvelopeBodies(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	verifier := auth.VerifierFunc(func(context.Context, string) (*auth.Principal, error) {
		return nil, auth.ErrInvalidToken
	})
	s := newTestServer(cfg, Dependencies{Verifier: verifier})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tier", nil))
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), `"message":"Missing auth token"`) {
		t.Fatalf("legacy: status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/environments", nil)
	req.Header.Set("Authorization", "Bearer nope")
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), `"type":"authentication_error"`) {
		t.Fatalf("envelope: status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_PracticeRoute_Reachable(t *testing.T) {
	s := newTestServer(testConfig(), Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/practice", nil))
	if rr.Code == http.StatusNotFound {
		t.Fatalf("/v1/practice unexpectedly returned 404")
	}
}

func TestServer_DrainingFailsReadiness(t *testing.T) {
	s := newTestServer(testConfig(), Dependencies{})
	s.SetDraining()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !s.DrainPracticeSessions(context.Background()) {
		t.Fatal("drain with no sockets should report clean")
	}
}

func TestServer_WebhookBypassesAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	s := newTestServer(cfg, Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", strings.NewReader(`{}`)))
	// No billing service is configured; the handler, not auth, answers.
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), "Stripe webhook not configured") {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = true
	s := newTestServer(cfg, Dependencies{})
	h := s.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `sationly_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("missing healthz series:\n%s", rr.Body.String())
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	s := newTestServer(testConfig(), Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 when metrics are off", rr.Code)
	}
}
