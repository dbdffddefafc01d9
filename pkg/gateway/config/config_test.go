package config

import (
	"strings"
	"testing"
	"time"
)

var serverEnvKeys = []string{
	"SATIONLY_ADDR",
	"PORT",
	"SATIONLY_AUTH_MODE",
	"SATIONLY_DEV_USER_ID",
	"SUPABASE_URL",
	"SUPABASE_SERVICE_ROLE_KEY",
	"SUPABASE_JWT_SECRET",
	"SATIONLY_TRUST_PROXY_HEADERS",
	"SATIONLY_CORS_ORIGINS",
	"SATIONLY_PUBLIC_ORIGIN",
	"SATIONLY_MAX_BODY_BYTES",
	"SATIONLY_MAX_UPLOAD_BYTES",
	"SATIONLY_METRICS_ENABLED",
	"DATABASE_URL",
	"SATIONLY_DB_MAX_CONNS",
	"SATIONLY_MIGRATE_ON_START",
	"SATIONLY_TRANSCRIBE_PROVIDER",
	"SATIONLY_COACH_PROVIDER",
	"OPENAI_API_KEY",
	"SATIONLY_OPENAI_BASE_URL",
	"GEMINI_API_KEY",
	"CARTESIA_API_KEY",
	"SATIONLY_ANALYSIS_TIMEOUT",
	"STRIPE_SECRET_KEY",
	"STRIPE_WEBHOOK_SECRET",
	"STRIPE_TIER2_PRICE_ID",
	"STRIPE_TIER3_PRICE_ID",
	"SATIONLY_ARCHIVE_BUCKET",
	"SATIONLY_PRACTICE_MAX_AUDIO_FRAME_BYTES",
	"SATIONLY_PRACTICE_MAX_JSON_MESSAGE_BYTES",
	"SATIONLY_PRACTICE_HANDSHAKE_TIMEOUT",
	"SATIONLY_PRACTICE_WS_PING_INTERVAL",
	"SATIONLY_PRACTICE_WS_WRITE_TIMEOUT",
	"SATIONLY_WS_MAX_SESSIONS_PER_PRINCIPAL",
	"SATIONLY_RATE_LIMIT_RPS",
	"SATIONLY_RATE_LIMIT_BURST",
	"SATIONLY_MAX_CONCURRENT_REQUESTS",
	"SATIONLY_READ_HEADER_TIMEOUT",
	"SATIONLY_READ_TIMEOUT",
	"SATIONLY_TOTAL_REQUEST_TIMEOUT",
	"SATIONLY_SHUTDOWN_GRACE_PERIOD",
	"SATIONLY_CONNECT_TIMEOUT",
	"SATIONLY_RESPONSE_HEADER_TIMEOUT",
}

func clearServerEnv(t *testing.T) {
	t.Helper()
	for _, key := range serverEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("SUPABASE_JWT_SECRET", "secret")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":5000" {
		t.Fatalf("Addr = %q, want :5000", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("MaxUploadBytes = %d, want %d", cfg.MaxUploadBytes, int64(10<<20))
	}
	if cfg.TranscribeProvider != "openai" || cfg.CoachProvider != "openai" {
		t.Fatalf("providers = %q/%q", cfg.TranscribeProvider, cfg.CoachProvider)
	}
	if cfg.DatabaseURL != "" || !cfg.MigrateOnStart {
		t.Fatalf("database = %q migrate=%v", cfg.DatabaseURL, cfg.MigrateOnStart)
	}
	if cfg.ArchiveEnabled() {
		t.Fatal("archive must be disabled without a bucket")
	}
	if cfg.PracticeHandshakeTimeout != 5*time.Second {
		t.Fatalf("PracticeHandshakeTimeout = %v, want 5s", cfg.PracticeHandshakeTimeout)
	}
	if cfg.PracticeWSPingInterval != 20*time.Second {
		t.Fatalf("PracticeWSPingInterval = %v, want 20s", cfg.PracticeWSPingInterval)
	}
	if cfg.WSMaxSessionsPerPrincipal != 2 {
		t.Fatalf("WSMaxSessionsPerPrincipal = %d, want 2", cfg.WSMaxSessionsPerPrincipal)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
	if !cfg.MetricsEnabled {
		t.Fatal("MetricsEnabled = false, want true")
	}
	if cfg.AnalysisTimeout != 0 {
		t.Fatalf("AnalysisTimeout = %v, want 0 (unbounded)", cfg.AnalysisTimeout)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("PORT", "8081")
	t.Setenv("SATIONLY_AUTH_MODE", "optional")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service")
	t.Setenv("SATIONLY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SATIONLY_TRANSCRIBE_PROVIDER", "Cartesia")
	t.Setenv("SATIONLY_COACH_PROVIDER", "gemini")
	t.Setenv("SATIONLY_ARCHIVE_BUCKET", "turn-audio")
	t.Setenv("SATIONLY_PRACTICE_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("SATIONLY_RATE_LIMIT_RPS", "0.5")
	t.Setenv("SATIONLY_ANALYSIS_TIMEOUT", "45s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8081" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeOptional || !cfg.CanVerifySessions() {
		t.Fatalf("auth = %q verify=%v", cfg.AuthMode, cfg.CanVerifySessions())
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok || len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.TranscribeProvider != "cartesia" || cfg.CoachProvider != "gemini" {
		t.Fatalf("providers = %q/%q", cfg.TranscribeProvider, cfg.CoachProvider)
	}
	if !cfg.ArchiveEnabled() {
		t.Fatal("archive should be enabled")
	}
	if cfg.PracticeHandshakeTimeout != 3*time.Second || cfg.LimitRPS != 0.5 {
		t.Fatalf("handshake=%v rps=%v", cfg.PracticeHandshakeTimeout, cfg.LimitRPS)
	}
	if cfg.AnalysisTimeout != 45*time.Second {
		t.Fatalf("AnalysisTimeout = %v, want 45s", cfg.AnalysisTimeout)
	}
}

func TestLoadFromEnv_ExplicitAddrWins(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("SATIONLY_AUTH_MODE", "disabled")
	t.Setenv("SATIONLY_ADDR", "127.0.0.1:9000")
	t.Setenv("PORT", "8081")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.DevUserID != "local-dev" {
		t.Fatalf("DevUserID = %q", cfg.DevUserID)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad auth mode", map[string]string{"SATIONLY_AUTH_MODE": "sometimes"}, "SATIONLY_AUTH_MODE"},
		{"required without verifier", map[string]string{}, "SUPABASE_JWT_SECRET"},
		{"url without key", map[string]string{"SUPABASE_URL": "https://x"}, "SUPABASE_JWT_SECRET"},
		{"bad transcriber", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_TRANSCRIBE_PROVIDER": "whisper"}, "SATIONLY_TRANSCRIBE_PROVIDER"},
		{"bad coach", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_COACH_PROVIDER": "cartesia"}, "SATIONLY_COACH_PROVIDER"},
		{"zero upload", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_MAX_UPLOAD_BYTES": "0"}, "SATIONLY_MAX_UPLOAD_BYTES"},
		{"negative rps", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_RATE_LIMIT_RPS": "-1"}, "SATIONLY_RATE_LIMIT_RPS"},
		{"negative analysis timeout", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_ANALYSIS_TIMEOUT": "-1s"}, "SATIONLY_ANALYSIS_TIMEOUT"},
		{"zero ws sessions", map[string]string{"SUPABASE_JWT_SECRET": "s", "SATIONLY_WS_MAX_SESSIONS_PER_PRINCIPAL": "0"}, "SATIONLY_WS_MAX_SESSIONS_PER_PRINCIPAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearServerEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}
