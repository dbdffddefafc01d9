package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/lifecycle"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func readyConfig() config.Config {
	return config.Config{
		AuthMode:                  config.AuthModeRequired,
		SupabaseJWTSecret:         "secret",
		MaxBodyBytes:              1,
		MaxUploadBytes:            1,
		OpenAIAPIKey:              "sk-test",
		WSMaxSessionsPerPrincipal: 1,
		ReadHeaderTimeout:         time.Second,
		ReadTimeout:               time.Second,
		HandlerTimeout:            time.Second,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestReadyHandler_Ready(t *testing.T) {
	status, resp := serveReady(t, ReadyHandler{
		Config: readyConfig(),
		Store:  pingFunc(func(context.Context) error { return nil }),
	})
	if status != http.StatusOK {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %v", resp)
	}
	if resp["storage"] != "memory" {
		t.Fatalf("storage=%v", resp["storage"])
	}
}

func TestReadyHandler_RequiredAuthWithoutVerifier_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.SupabaseJWTSecret = ""
	status, resp := serveReady(t, ReadyHandler{Config: cfg})
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d", status)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_StoreDown_NotReady(t *testing.T) {
	status, resp := serveReady(t, ReadyHandler{
		Config: readyConfig(),
		Store:  pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	status, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", status)
	}
	if d, _ := resp["draining"].(bool); !d {
		t.Fatalf("draining=%v", resp["draining"])
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
