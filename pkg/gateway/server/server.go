package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sationly/sationly/pkg/analysis"
	"github.com/sationly/sationly/pkg/archive"
	"github.com/sationly/sationly/pkg/billing"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/handlers"
	"github.com/sationly/sationly/pkg/gateway/lifecycle"
	"github.com/sationly/sationly/pkg/gateway/metrics"
	"github.com/sationly/sationly/pkg/gateway/mw"
	"github.com/sationly/sationly/pkg/gateway/practicews"
	"github.com/sationly/sationly/pkg/gateway/ratelimit"
	"github.com/sationly/sationly/pkg/practice/journal"
	"github.com/sationly/sationly/pkg/practice/session"
	"github.com/sationly/sationly/pkg/practice/tier"
	"github.com/sationly/sationly/pkg/practice/upload"
	"github.com/sationly/sationly/pkg/store"
)

// Dependencies are the backends the server routes to. Store is required;
// a nil Analysis, Billing, Verifier or Archive disables what depends on it.
type Dependencies struct {
	Store    store.Store
	Analysis analysis.Service
	Billing  *billing.Service
	Verifier auth.Verifier
	Archive  archive.Store
	Clock    session.Clock
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	sessions  *practicews.Tracker
	journal   *journal.Journal
	policy    tier.Policy
	metrics   *metrics.Metrics
}

func New(cfg config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  practicews.NewTracker(),
		journal: &journal.Journal{
			Turns:   deps.Store,
			Archive: deps.Archive,
			Logger:  logger,
		},
		policy: tier.Policy{Subscriptions: deps.Store, History: deps.Store},
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.New("sationly")
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Lifecycle: s.lifecycle,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.Handle("/api/sessions", handlers.SessionsHandler{
		Config:   s.cfg,
		Analysis: s.deps.Analysis,
		Journal:  s.journal,
		Logger:   s.logger,
		Timeout:  s.cfg.AnalysisTimeout,
	})
	s.mux.Handle("/api/tier", handlers.TierHandler{Policy: s.policy})

	b := handlers.BillingHandler{Config: s.cfg, Service: s.deps.Billing, Logger: s.logger}
	s.mux.Handle("/api/create-checkout-session", s.withDeadline(b.CreateCheckoutSession()))
	s.mux.Handle("/api/verify-checkout-session", s.withDeadline(b.VerifyCheckoutSession()))
	s.mux.Handle("/api/create-tier1-subscription", s.withDeadline(b.CreateTier1Subscription()))
	s.mux.Handle("/api/stripe-webhook", s.withDeadline(b.StripeWebhook()))

	s.mux.Handle("/v1/environments", s.withDeadline(handlers.EnvironmentsHandler{Store: s.deps.Store}))
	s.mux.Handle("/v1/practice", handlers.PracticeHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Verifier:  s.deps.Verifier,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Policy:    s.policy,
		Uploader: upload.DirectUploader{
			Service: s.deps.Analysis,
			Timeout: s.cfg.AnalysisTimeout,
		},
		Environments: s.deps.Store,
		Journal:      s.journal,
		Clock:        s.deps.Clock,
		Metrics:      s.metrics,
	})
}

// withDeadline bounds short request/response handlers by HandlerTimeout.
func (s *Server) withDeadline(next http.Handler) http.Handler {
	if s.cfg.HandlerTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, s.deps.Verifier, h)
	h = mw.MaxBody(s.cfg.MaxBodyBytes, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.Metrics(s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes /readyz fail and refuses new practice sockets.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// PracticeSessions reports how many practice sockets are open.
func (s *Server) PracticeSessions() int {
	return s.sessions.Count()
}

// DrainPracticeSessions warns open sockets and waits for them until ctx
// ends, then cancels the rest. It reports whether all closed on their own.
func (s *Server) DrainPracticeSessions(ctx context.Context) bool {
	return s.sessions.Drain(ctx, "server_draining", "server is shutting down; finish your turn and reconnect")
}

// NewHTTPClient is the outbound client shared by provider and auth calls.
func NewHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}
}
