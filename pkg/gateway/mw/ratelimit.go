package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sationly/sationly/pkg/core"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/principal"
	"github.com/sationly/sationly/pkg/gateway/ratelimit"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics", "/api/stripe-webhook":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		dec := limiter.AcquireRequest(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			var retry *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retry = &v
			}
			writeError(w, r, http.StatusTooManyRequests, &core.Error{
				Type:       core.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retry,
			})
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
