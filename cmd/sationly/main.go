package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sationly/sationly/pkg/analysis"
	"github.com/sationly/sationly/pkg/archive"
	"github.com/sationly/sationly/pkg/billing"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	gatewayserver "github.com/sationly/sationly/pkg/gateway/server"
	"github.com/sationly/sationly/pkg/store"
)

type serverDeps struct {
	loadConfig    func() (config.Config, error)
	buildBackends func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:    config.LoadFromEnv,
		buildBackends: buildBackends,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

// buildBackends opens the store and constructs every provider client the
// config enables. Optional backends that fail to build are logged and left
// nil; /readyz reports what is missing.
func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, error) {
	var deps gatewayserver.Dependencies
	httpClient := gatewayserver.NewHTTPClient(cfg)

	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
		if err != nil {
			return deps, fmt.Errorf("open database: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx, pg.Pool(), logger); err != nil {
				pg.Close()
				return deps, fmt.Errorf("migrate database: %w", err)
			}
		}
		deps.Store = pg
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		deps.Store = store.NewMemory()
	}

	pipeline, err := analysis.NewPipeline(ctx, analysis.Options{
		Transcriber:           cfg.TranscribeProvider,
		Coach:                 cfg.CoachProvider,
		OpenAIKey:             cfg.OpenAIAPIKey,
		OpenAIBaseURL:         cfg.OpenAIBaseURL,
		OpenAITranscribeModel: cfg.OpenAITranscribeModel,
		OpenAICoachModel:      cfg.OpenAICoachModel,
		CartesiaKey:           cfg.CartesiaAPIKey,
		CartesiaModel:         cfg.CartesiaModel,
		CartesiaLanguage:      cfg.CartesiaLanguage,
		GeminiKey:             cfg.GeminiAPIKey,
		GeminiModel:           cfg.GeminiModel,
		GeminiBaseURL:         cfg.GeminiBaseURL,
		HTTPClient:            httpClient,
	})
	if err != nil {
		logger.Warn("analysis disabled", "error", err)
	} else {
		deps.Analysis = pipeline
	}

	if cfg.ArchiveEnabled() {
		s3Store, err := archive.NewS3Store(ctx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			Prefix:          cfg.ArchivePrefix,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			logger.Warn("audio archive disabled", "error", err)
		} else {
			deps.Archive = s3Store
		}
	}

	svc := &billing.Service{
		Subscriptions: deps.Store,
		Prices:        billing.Prices{Tier2: cfg.StripeTier2PriceID, Tier3: cfg.StripeTier3PriceID},
		Logger:        logger,
	}
	if cfg.StripeSecretKey != "" {
		checkout, err := billing.NewStripeCheckout(cfg.StripeSecretKey)
		if err != nil {
			logger.Warn("stripe checkout disabled", "error", err)
		} else {
			svc.Checkout = checkout
		}
	}
	if cfg.StripeWebhookSecret != "" {
		svc.Events = billing.StripeEvents{Secret: cfg.StripeWebhookSecret}
	}
	deps.Billing = svc

	deps.Verifier = buildVerifier(cfg, httpClient)
	return deps, nil
}

// buildVerifier prefers local JWT verification and falls back to the hosted
// user lookup.
func buildVerifier(cfg config.Config, httpClient *http.Client) auth.Verifier {
	var chain auth.Chain
	if cfg.SupabaseJWTSecret != "" {
		chain = append(chain, auth.JWTVerifier{
			Secret:   []byte(cfg.SupabaseJWTSecret),
			Audience: auth.DefaultAudience,
		})
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		chain = append(chain, auth.SupabaseVerifier{
			BaseURL:    cfg.SupabaseURL,
			APIKey:     cfg.SupabaseServiceRoleKey,
			HTTPClient: httpClient,
		})
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

func runServer(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildBackends == nil {
		return errors.New("missing buildBackends dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backends, err := deps.buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if backends.Store != nil {
		defer backends.Store.Close()
	}

	gw := gatewayserver.New(cfg, backends, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting server",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"transcriber", cfg.TranscribeProvider,
		"coach", cfg.CoachProvider,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String(), "practice_sessions", gw.PracticeSessions())
	}

	gw.SetDraining()

	// Hijacked practice sockets are invisible to Shutdown, so they are
	// drained first.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if !gw.DrainPracticeSessions(drainCtx) {
		logger.Warn("practice sessions canceled at shutdown deadline")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func loadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotenv(); err != nil {
		fmt.Fprintf(stderr, "sationly: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "sationly: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
