package mw

import (
	"net/http"
	"time"

	"github.com/sationly/sationly/pkg/gateway/metrics"
)

// Metrics counts every request by route and final status.
func Metrics(m *metrics.Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatusWriter(w)
		next.ServeHTTP(wrapped, r)
		m.RecordRequest(metrics.Route(r.URL.Path), r.Method, sw.status, time.Since(start))
	})
}
