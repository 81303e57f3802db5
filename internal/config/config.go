package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	Backend BackendConfig
	Cart    CartConfig
	Session SessionConfig
	Auth    AuthConfig
	Limits  LimitsConfig
	Obs     ObsConfig
}

// BackendConfig configures the marketplace API client.
type BackendConfig struct {
	BaseURL             string
	Timeout             time.Duration
	MaxAttempts         int
	BaseBackoff         time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
}

// CartConfig configures the cart engine and its client-side storage.
type CartConfig struct {
	Debounce      time.Duration
	StoragePrefix string
	StorageTTL    time.Duration
}

// SessionConfig configures shopper sessions.
type SessionConfig struct {
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	CookieName     string
	CookieSecure   bool
	CookieSameSite http.SameSite
	MergeLockTTL   time.Duration
}

// AuthConfig controls how bearer tokens are inspected.
type AuthConfig struct {
	AllowOpaqueTokens bool
	ClockSkew         time.Duration
	Issuer            string
	Audience          string
	AccessCookie      string
}

// LimitsConfig holds rate limit and idempotency settings.
type LimitsConfig struct {
	// Rate is a ulule/limiter formatted rate such as "120-M".
	Rate           string
	OrderWindow    time.Duration
	OrderMax       int
	IdempotencyTTL time.Duration
}

// ObsConfig holds logging, metrics and tracing toggles.
type ObsConfig struct {
	ServiceName    string
	LogFormat      string
	LogLevel       string
	MetricsEnabled bool
	MetricsBuckets string
	TracingEnabled bool
	TraceExporter  string
	TraceEndpoint  string
	TraceSampling  float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Backend: BackendConfig{
			BaseURL:             strings.TrimSpace(k.String("BACKEND_BASE_URL")),
			Timeout:             parseDuration(k.String("BACKEND_TIMEOUT"), "10s"),
			MaxAttempts:         parseInt(k.String("BACKEND_MAX_ATTEMPTS"), 3),
			BaseBackoff:         parseDuration(k.String("BACKEND_BASE_BACKOFF"), "100ms"),
			BreakerMinRequests:  parseInt(k.String("BACKEND_BREAKER_MIN_REQUESTS"), 10),
			BreakerFailureRatio: parseFloat(k.String("BACKEND_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("BACKEND_BREAKER_OPEN_FOR"), "30s"),
		},
		Cart: CartConfig{
			Debounce:      parseDuration(k.String("CART_DEBOUNCE"), "400ms"),
			StoragePrefix: valueOrDefault(k.String("CART_STORAGE_PREFIX"), "storefront"),
			StorageTTL:    parseDuration(k.String("CART_STORAGE_TTL"), "720h"),
		},
		Session: SessionConfig{
			IdleTTL:        parseDuration(k.String("SESSION_IDLE_TTL"), "30m"),
			SweepInterval:  parseDuration(k.String("SESSION_SWEEP_INTERVAL"), "1m"),
			CookieName:     valueOrDefault(k.String("SESSION_COOKIE_NAME"), "cart_session"),
			CookieSecure:   parseBool(k.String("SESSION_COOKIE_SECURE")),
			CookieSameSite: parseSameSite(k.String("SESSION_COOKIE_SAMESITE")),
			MergeLockTTL:   parseDuration(k.String("SESSION_MERGE_LOCK_TTL"), "15s"),
		},
		Auth: AuthConfig{
			AllowOpaqueTokens: parseBool(valueOrDefault(k.String("AUTH_ALLOW_OPAQUE_TOKENS"), "true")),
			ClockSkew:         parseDuration(k.String("AUTH_CLOCK_SKEW"), "30s"),
			Issuer:            strings.TrimSpace(k.String("AUTH_ISSUER")),
			Audience:          strings.TrimSpace(k.String("AUTH_AUDIENCE")),
			AccessCookie:      valueOrDefault(k.String("AUTH_ACCESS_COOKIE"), "access_token"),
		},
		Limits: LimitsConfig{
			Rate:           valueOrDefault(k.String("RATE_LIMIT"), "120-M"),
			OrderWindow:    parseDuration(k.String("ORDER_RATE_WINDOW"), "1m"),
			OrderMax:       parseInt(k.String("ORDER_RATE_MAX"), 5),
			IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		},
		Obs: ObsConfig{
			ServiceName:    valueOrDefault(k.String("OBS_SERVICE_NAME"), "storefront-cart"),
			LogFormat:      valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:       valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled: parseBool(valueOrDefault(k.String("OBS_METRICS_ENABLED"), "true")),
			MetricsBuckets: k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled: parseBool(k.String("OBS_TRACING_ENABLED")),
			TraceExporter:  valueOrDefault(k.String("OBS_TRACE_EXPORTER"), "otlp"),
			TraceEndpoint:  k.String("OBS_TRACE_ENDPOINT"),
			TraceSampling:  parseFloat(k.String("OBS_TRACE_SAMPLING_RATIO"), 1),
		},
	}

	if cfg.Session.CookieSameSite == http.SameSiteDefaultMode {
		cfg.Session.CookieSameSite = http.SameSiteLaxMode
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}
	if cfg.Backend.BreakerFailureRatio <= 0 || cfg.Backend.BreakerFailureRatio > 1 {
		return nil, fmt.Errorf("BACKEND_BREAKER_FAILURE_RATIO must be in (0,1], got %v", cfg.Backend.BreakerFailureRatio)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
