package config_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-cart/internal/config"
)

func requiredEnv() map[string]string {
	return map[string]string{
		"REDIS_URL":        "redis://localhost:6379/0",
		"BACKEND_BASE_URL": "https://api.example.test",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(requiredEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, 400*time.Millisecond, cfg.Cart.Debounce)
	require.Equal(t, "storefront", cfg.Cart.StoragePrefix)
	require.Equal(t, 3, cfg.Backend.MaxAttempts)
	require.Equal(t, 0.5, cfg.Backend.BreakerFailureRatio)
	require.Equal(t, "cart_session", cfg.Session.CookieName)
	require.Equal(t, http.SameSiteLaxMode, cfg.Session.CookieSameSite)
	require.Equal(t, "120-M", cfg.Limits.Rate)
	require.True(t, cfg.Auth.AllowOpaqueTokens)
}

func TestLoadOverrides(t *testing.T) {
	env := requiredEnv()
	env["PORT"] = ":9090"
	env["CART_DEBOUNCE"] = "250ms"
	env["BACKEND_MAX_ATTEMPTS"] = "5"
	env["AUTH_ALLOW_OPAQUE_TOKENS"] = "false"
	env["CORS_ALLOWED_ORIGINS"] = "https://shop.example.test, https://m.example.test"
	env["SESSION_COOKIE_SAMESITE"] = "strict"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 250*time.Millisecond, cfg.Cart.Debounce)
	require.Equal(t, 5, cfg.Backend.MaxAttempts)
	require.False(t, cfg.Auth.AllowOpaqueTokens)
	require.Equal(t, []string{"https://shop.example.test", "https://m.example.test"}, cfg.CORSAllowedOrigins)
	require.Equal(t, http.SameSiteStrictMode, cfg.Session.CookieSameSite)
}

func TestLoadRequiresBackend(t *testing.T) {
	env := requiredEnv()
	env["BACKEND_BASE_URL"] = ""
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "BACKEND_BASE_URL")
}

func TestLoadRejectsBadFailureRatio(t *testing.T) {
	env := requiredEnv()
	env["BACKEND_BREAKER_FAILURE_RATIO"] = "1.5"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}
