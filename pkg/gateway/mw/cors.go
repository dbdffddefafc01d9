package mw

import (
	"net/http"
	"strings"

	"github.com/sationly/sationly/pkg/core"
	"github.com/sationly/sationly/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsExposedHeaders = "X-Request-ID, Retry-After"
)

// OriginAllowed reports whether a browser origin is on the allowlist. An
// empty allowlist admits no origin.
func OriginAllowed(cfg config.Config, origin string) bool {
	if origin == "" || len(cfg.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

// CORS answers preflights for allowlisted origins and tags their responses.
// Requests without an Origin header pass through untouched.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := OriginAllowed(cfg, origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		if !isPreflight(r) {
			if allowed {
				w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			}
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			reqID, _ := RequestIDFrom(r.Context())
			writeError(w, r, http.StatusForbidden, &core.Error{
				Type:      core.ErrPermission,
				Message:   "origin is not allowed",
				Param:     "Origin",
				RequestID: reqID,
			})
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
