package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Aggregator (Plaid)
	PlaidClientID string
	PlaidSecret   string
	PlaidEnv      string

	// Payments processor (Dwolla)
	DwollaKey    string
	DwollaSecret string
	DwollaEnv    string

	// Encryption
	EncryptionKey string // アクセストークン保存用（32バイト）

	// Session
	SessionMaxAge int

	// Upstream
	UpstreamTimeout time.Duration

	// Revalidation
	RevalidateURL    string
	RevalidateSecret string

	// Rate Limit
	RateLimitGeneral int
	RateLimitLink    int

	// Worker
	CleanupInterval       time.Duration
	LinkAttemptStaleAfter time.Duration

	// Telemetry
	OTLPEndpoint      string
	Environment       string
	LogLevel          string
	WorkerMetricsPort string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"BASE_URL", &cfg.BaseURL},
		{"PLAID_CLIENT_ID", &cfg.PlaidClientID},
		{"PLAID_SECRET", &cfg.PlaidSecret},
		{"DWOLLA_KEY", &cfg.DwollaKey},
		{"DWOLLA_SECRET", &cfg.DwollaSecret},
		{"ENCRYPTION_KEY", &cfg.EncryptionKey},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	// Optional fields with defaults
	cfg.PlaidEnv = getEnvString("PLAID_ENV", "sandbox")
	cfg.DwollaEnv = getEnvString("DWOLLA_ENV", "sandbox")
	if !isOneOf(cfg.PlaidEnv, "sandbox", "development", "production") {
		return nil, fmt.Errorf("PLAID_ENV must be one of sandbox, development, production: %q", cfg.PlaidEnv)
	}
	if !isOneOf(cfg.DwollaEnv, "sandbox", "production") {
		return nil, fmt.Errorf("DWOLLA_ENV must be one of sandbox, production: %q", cfg.DwollaEnv)
	}

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)
	cfg.RevalidateURL = getEnvString("REVALIDATE_URL", "")
	cfg.RevalidateSecret = getEnvString("REVALIDATE_SECRET", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLink = getEnvInt("RATE_LIMIT_LINK", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LinkAttemptStaleAfter = getEnvDuration("LINK_ATTEMPT_STALE_AFTER", time.Hour)
	cfg.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.Environment = getEnvString("ENVIRONMENT", "development")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9091")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", true)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func isOneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
