package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Store     Pinger
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool       `json:"ok"`
		AuthMode       string     `json:"auth_mode"`
		Storage        string     `json:"storage"`
		BillingEnabled bool       `json:"billing_enabled"`
		ArchiveEnabled bool       `json:"archive_enabled"`
		LimitsEnabled  bool       `json:"limits_enabled"`
		Draining       bool       `json:"draining,omitempty"`
		DrainingSince  *time.Time `json:"draining_since,omitempty"`
		Issues         []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode != config.AuthModeDisabled && !h.Config.CanVerifySessions() {
		issues = append(issues, "auth enabled but no session verifier configured")
	}
	if h.Config.MaxBodyBytes <= 0 || h.Config.MaxUploadBytes <= 0 {
		issues = append(issues, "body limits must be > 0")
	}
	if h.Config.OpenAIAPIKey == "" && h.Config.GeminiAPIKey == "" && h.Config.CartesiaAPIKey == "" {
		issues = append(issues, "no analysis provider key configured")
	}
	if h.Config.WSMaxSessionsPerPrincipal <= 0 {
		issues = append(issues, "ws max sessions per principal must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	storage := "memory"
	if h.Config.DatabaseURL != "" {
		storage = "postgres"
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "store unreachable")
		}
	}

	var drainingSince *time.Time
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
		since := h.Lifecycle.DrainingSince()
		drainingSince = &since
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Storage:        storage,
		BillingEnabled: h.Config.StripeSecretKey != "",
		ArchiveEnabled: h.Config.ArchiveEnabled(),
		LimitsEnabled:  limitsEnabled,
		Draining:       draining,
		DrainingSince:  drainingSince,
		Issues:         issues,
	})
}
