package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// DevUserID is the user every request acts as when auth is disabled.
	DevUserID string

	// Hosted auth. A JWT secret enables local verification; URL plus
	// service key enables the remote user lookup.
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the server is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// PublicOrigin is used for checkout return URLs when the request carries
	// neither Origin nor Host.
	PublicOrigin string

	MaxBodyBytes   int64
	MaxUploadBytes int64

	// MetricsEnabled serves Prometheus metrics on /metrics.
	MetricsEnabled bool

	// Storage. Empty DatabaseURL selects the in-memory store.
	DatabaseURL      string
	DatabaseMaxConns int
	MigrateOnStart   bool

	// Analysis providers.
	TranscribeProvider    string
	CoachProvider         string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAITranscribeModel string
	OpenAICoachModel      string
	GeminiAPIKey          string
	GeminiModel           string
	GeminiBaseURL         string
	CartesiaAPIKey        string
	CartesiaModel         string
	CartesiaLanguage      string
	// AnalysisTimeout bounds one analysis call. Zero leaves it to the
	// provider.
	AnalysisTimeout time.Duration

	// Payments.
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTier2PriceID  string
	StripeTier3PriceID  string

	// Optional turn audio archive (S3 compatible).
	ArchiveBucket          string
	ArchiveRegion          string
	ArchiveEndpoint        string
	ArchivePrefix          string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string

	// Practice WebSocket (/v1/practice).
	PracticeMaxAudioFrameBytes  int
	PracticeMaxJSONMessageBytes int64
	PracticeHandshakeTimeout    time.Duration
	PracticeWSPingInterval      time.Duration
	PracticeWSWriteTimeout      time.Duration
	WSMaxSessionsPerPrincipal   int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                          envOr("SATIONLY_ADDR", envOr("PORT", ":5000")),
		AuthMode:                      AuthMode(envOr("SATIONLY_AUTH_MODE", string(AuthModeRequired))),
		DevUserID:                     envOr("SATIONLY_DEV_USER_ID", "local-dev"),
		SupabaseURL:                   envOr("SUPABASE_URL", ""),
		SupabaseServiceRoleKey:        envOr("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseJWTSecret:             envOr("SUPABASE_JWT_SECRET", ""),
		TrustProxyHeaders:             envBoolOr("SATIONLY_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:            make(map[string]struct{}),
		PublicOrigin:                  envOr("SATIONLY_PUBLIC_ORIGIN", "http://localhost:5000"),
		MaxBodyBytes:                  envInt64Or("SATIONLY_MAX_BODY_BYTES", 1<<20),    // 1 MiB
		MaxUploadBytes:                envInt64Or("SATIONLY_MAX_UPLOAD_BYTES", 10<<20), // 10 MiB
		MetricsEnabled:                envBoolOr("SATIONLY_METRICS_ENABLED", true),
		DatabaseURL:                   envOr("DATABASE_URL", ""),
		DatabaseMaxConns:              envIntOr("SATIONLY_DB_MAX_CONNS", 10),
		MigrateOnStart:                envBoolOr("SATIONLY_MIGRATE_ON_START", true),
		TranscribeProvider:            strings.ToLower(envOr("SATIONLY_TRANSCRIBE_PROVIDER", "openai")),
		CoachProvider:                 strings.ToLower(envOr("SATIONLY_COACH_PROVIDER", "openai")),
		OpenAIAPIKey:                  envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                 envOr("SATIONLY_OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAITranscribeModel:         envOr("SATIONLY_OPENAI_TRANSCRIBE_MODEL", ""),
		OpenAICoachModel:              envOr("SATIONLY_OPENAI_COACH_MODEL", ""),
		GeminiAPIKey:                  envOr("GEMINI_API_KEY", ""),
		GeminiModel:                   envOr("SATIONLY_GEMINI_MODEL", ""),
		GeminiBaseURL:                 envOr("SATIONLY_GEMINI_BASE_URL", ""),
		CartesiaAPIKey:                envOr("CARTESIA_API_KEY", ""),
		CartesiaModel:                 envOr("SATIONLY_CARTESIA_MODEL", ""),
		CartesiaLanguage:              envOr("SATIONLY_CARTESIA_LANGUAGE", "en"),
		AnalysisTimeout:               envDurationOr("SATIONLY_ANALYSIS_TIMEOUT", 0),
		StripeSecretKey:               envOr("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:           envOr("STRIPE_WEBHOOK_SECRET", ""),
		StripeTier2PriceID:            envOr("STRIPE_TIER2_PRICE_ID", ""),
		StripeTier3PriceID:            envOr("STRIPE_TIER3_PRICE_ID", ""),
		ArchiveBucket:                 envOr("SATIONLY_ARCHIVE_BUCKET", ""),
		ArchiveRegion:                 envOr("SATIONLY_ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:               envOr("SATIONLY_ARCHIVE_ENDPOINT", ""),
		ArchivePrefix:                 envOr("SATIONLY_ARCHIVE_PREFIX", "turns"),
		ArchiveAccessKeyID:            envOr("SATIONLY_ARCHIVE_ACCESS_KEY_ID", ""),
		ArchiveSecretAccessKey:        envOr("SATIONLY_ARCHIVE_SECRET_ACCESS_KEY", ""),
		PracticeMaxAudioFrameBytes:    envIntOr("SATIONLY_PRACTICE_MAX_AUDIO_FRAME_BYTES", 64*1024),
		PracticeMaxJSONMessageBytes:   envInt64Or("SATIONLY_PRACTICE_MAX_JSON_MESSAGE_BYTES", 16*1024),
		PracticeHandshakeTimeout:      envDurationOr("SATIONLY_PRACTICE_HANDSHAKE_TIMEOUT", 5*time.Second),
		PracticeWSPingInterval:        envDurationOr("SATIONLY_PRACTICE_WS_PING_INTERVAL", 20*time.Second),
		PracticeWSWriteTimeout:        envDurationOr("SATIONLY_PRACTICE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxSessionsPerPrincipal:     envIntOr("SATIONLY_WS_MAX_SESSIONS_PER_PRINCIPAL", 2),
		LimitRPS:                      envFloat64Or("SATIONLY_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                    envIntOr("SATIONLY_RATE_LIMIT_BURST", 6),
		LimitMaxConcurrentRequests:    envIntOr("SATIONLY_MAX_CONCURRENT_REQUESTS", 4),
		ReadHeaderTimeout:             envDurationOr("SATIONLY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   envDurationOr("SATIONLY_READ_TIMEOUT", 60*time.Second),
		HandlerTimeout:                envDurationOr("SATIONLY_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:           envDurationOr("SATIONLY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:        envDurationOr("SATIONLY_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: envDurationOr("SATIONLY_RESPONSE_HEADER_TIMEOUT", 60*time.Second),
	}

	// PORT is a bare number on most hosts.
	if _, err := strconv.Atoi(cfg.Addr); err == nil {
		cfg.Addr = ":" + cfg.Addr
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("SATIONLY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, origin := range splitCSV(os.Getenv("SATIONLY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.TranscribeProvider {
	case "openai", "gemini", "cartesia":
	default:
		return Config{}, fmt.Errorf("SATIONLY_TRANSCRIBE_PROVIDER must be one of openai|gemini|cartesia")
	}
	switch cfg.CoachProvider {
	case "openai", "gemini":
	default:
		return Config{}, fmt.Errorf("SATIONLY_COACH_PROVIDER must be one of openai|gemini")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.DatabaseMaxConns <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_DB_MAX_CONNS must be > 0")
	}
	if cfg.AnalysisTimeout < 0 {
		return Config{}, fmt.Errorf("SATIONLY_ANALYSIS_TIMEOUT must be >= 0")
	}
	if cfg.PracticeMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_PRACTICE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.PracticeMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_PRACTICE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.PracticeHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_PRACTICE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.PracticeWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_PRACTICE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.PracticeWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_PRACTICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_WS_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SATIONLY_RESPONSE_HEADER_TIMEOUT must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("SATIONLY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("SATIONLY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("SATIONLY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}

	if cfg.AuthMode != AuthModeDisabled && !cfg.CanVerifySessions() {
		return Config{}, fmt.Errorf("SUPABASE_JWT_SECRET or SUPABASE_URL with SUPABASE_SERVICE_ROLE_KEY must be set when SATIONLY_AUTH_MODE=%s", cfg.AuthMode)
	}
	if cfg.AuthMode == AuthModeDisabled && strings.TrimSpace(cfg.DevUserID) == "" {
		return Config{}, fmt.Errorf("SATIONLY_DEV_USER_ID must not be empty when SATIONLY_AUTH_MODE=disabled")
	}

	return cfg, nil
}

// CanVerifySessions reports whether any session verifier is configured.
func (c Config) CanVerifySessions() bool {
	if c.SupabaseJWTSecret != "" {
		return true
	}
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

// ArchiveEnabled reports whether turn audio should be archived.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.ArchiveBucket) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
