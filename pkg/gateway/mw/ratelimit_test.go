package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_BurstAnswersEnvelopeWithRetryAfter(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/environments", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status=%d body=%q", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/environments", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d body=%q", second.Code, second.Body.String())
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After=%q", second.Header().Get("Retry-After"))
	}
	if !strings.Contains(second.Body.String(), `"type":"rate_limit_error"`) || !strings.Contains(second.Body.String(), `"retry_after":1`) {
		t.Fatalf("body=%q", second.Body.String())
	}
}

func TestRateLimit_ConcurrentRequestCap(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxConcurrentRequests: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	h := RateLimit(config.Config{}, lim, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	firstStatus := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tier", nil))
		firstStatus <- rr.Code
	}()
	<-started

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tier", nil))
	close(release)
	wg.Wait()

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("overlapping request status=%d", rr.Code)
	}
	if got := <-firstStatus; got != http.StatusOK {
		t.Fatalf("first request status=%d", got)
	}
}

func TestRateLimit_LegacyPathAnswersMessageBody(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/tier", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d status=%d want %d", i, rr.Code, want)
		}
		if want == http.StatusTooManyRequests && !strings.Contains(rr.Body.String(), `"message":"rate limit exceeded"`) {
			t.Fatalf("body=%q", rr.Body.String())
		}
	}
}

func TestRateLimit_BucketsPerUser(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for _, user := range []string{"user-a", "user-b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/tier", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: user}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", user, rr.Code)
		}
	}
}

func TestRateLimit_WebhookBypass(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("webhook %d status=%d", i, rr.Code)
		}
	}
}
