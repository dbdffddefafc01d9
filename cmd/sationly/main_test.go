package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	gatewayserver "github.com/sationly/sationly/pkg/gateway/server"
	"github.com/sationly/sationly/pkg/store"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		buildBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error) {
			t.Fatalf("buildBackends should not be called when config load fails")
			return gatewayserver.Dependencies{}, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunServer_BackendFailureIsReported(t *testing.T) {
	t.Parallel()

	err := runServer(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), serverDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		buildBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error) {
			return gatewayserver.Dependencies{}, errors.New("open database: refused")
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if err == nil || err.Error() != "open database: refused" {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestBuildVerifier(t *testing.T) {
	t.Parallel()

	if v := buildVerifier(config.Config{}, http.DefaultClient); v != nil {
		t.Fatalf("verifier=%v, want nil without auth config", v)
	}
	v := buildVerifier(config.Config{
		SupabaseJWTSecret:      "secret",
		SupabaseURL:            "https://project.supabase.co",
		SupabaseServiceRoleKey: "service",
	}, http.DefaultClient)
	chain, ok := v.(auth.Chain)
	if !ok || len(chain) != 2 {
		t.Fatalf("verifier=%#v", v)
	}
	if _, ok := chain[0].(auth.JWTVerifier); !ok {
		t.Fatalf("first verifier=%T, want JWTVerifier", chain[0])
	}
}

func TestBuildBackends_MemoryWithoutDatabase(t *testing.T) {
	t.Parallel()

	deps, err := buildBackends(context.Background(), config.Config{
		TranscribeProvider: "openai",
		CoachProvider:      "openai",
		OpenAIAPIKey:       "sk-test",
		OpenAIBaseURL:      "https://api.openai.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if _, ok := deps.Store.(*store.Memory); !ok {
		t.Fatalf("store=%T, want *store.Memory", deps.Store)
	}
	if deps.Analysis == nil || deps.Billing == nil {
		t.Fatalf("deps=%+v", deps)
	}
	if deps.Billing.Checkout != nil || deps.Billing.Events != nil {
		t.Fatal("stripe clients built without keys")
	}
	if deps.Verifier != nil || deps.Archive != nil {
		t.Fatalf("unexpected optional backends: %+v", deps)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{
		AuthMode:                    config.AuthModeDisabled,
		DevUserID:                   "dev",
		CORSAllowedOrigins:          map[string]struct{}{},
		MaxBodyBytes:                1 << 20,
		MaxUploadBytes:              10 << 20,
		ReadHeaderTimeout:           time.Second,
		ReadTimeout:                 time.Second,
		HandlerTimeout:              time.Second,
		PracticeMaxAudioFrameBytes:  64 << 10,
		PracticeMaxJSONMessageBytes: 16 << 10,
		PracticeHandshakeTimeout:    5 * time.Second,
		PracticeWSPingInterval:      20 * time.Second,
		PracticeWSWriteTimeout:      5 * time.Second,
		WSMaxSessionsPerPrincipal:   2,
		LimitRPS:                    10,
		LimitBurst:                  20,
		LimitMaxConcurrentRequests:  20,
	}, gatewayserver.Dependencies{Store: store.NewMemory()}, logger)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
