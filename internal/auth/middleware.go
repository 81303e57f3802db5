package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/storefront-cart/internal/common"
)

// Middleware lifts the shopper's bearer token into the request context. It
// never rejects a request: a missing token just means a guest cart.
type Middleware struct {
	AccessCookie string
}

// Capture attaches the bearer token, when present, to the request context.
func (m Middleware) Capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := m.extractToken(r); token != "" {
			r = r.WithContext(common.WithBearerToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if m.AccessCookie != "" {
		if cookie, err := r.Cookie(m.AccessCookie); err == nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}
