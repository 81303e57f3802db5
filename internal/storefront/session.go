package storefront

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-cart/internal/common"
	"github.com/noah-isme/storefront-cart/internal/session"
)

// SessionHeader carries the shopper session id for clients that do not keep cookies.
const SessionHeader = "X-Session-ID"

// SessionMiddleware resolves the shopper session for every cart request and
// stores the presented bearer token in the session's storage.
type SessionMiddleware struct {
	Sessions   Sessions
	CookieName string
	Secure     bool
	SameSite   http.SameSite
	MaxAge     time.Duration
	Logger     zerolog.Logger
}

// Handler implements chi middleware.
func (m SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, issued := m.sessionID(r)
		if !session.ValidID(id) {
			common.JSONError(w, http.StatusBadRequest, "INVALID_SESSION", "session id is malformed", nil)
			return
		}
		if issued {
			m.setCookie(w, id)
		}
		w.Header().Set(SessionHeader, id)
		ctx := common.WithSessionID(r.Context(), id)

		if token, ok := common.BearerToken(ctx); ok && m.Sessions != nil {
			changed, err := m.Sessions.AttachToken(ctx, id, token)
			if err != nil {
				m.Logger.Warn().Err(err).Str("session_id", id).Msg("session_token_store_failed")
			} else if changed {
				m.Logger.Info().Str("session_id", id).Msg("session_token_changed")
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m SessionMiddleware) sessionID(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id, false
	}
	if m.CookieName != "" {
		if c, err := r.Cookie(m.CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value), false
		}
	}
	return uuid.NewString(), true
}

func (m SessionMiddleware) setCookie(w http.ResponseWriter, id string) {
	if m.CookieName == "" {
		return
	}
	sameSite := m.SameSite
	if sameSite == http.SameSiteDefaultMode {
		sameSite = http.SameSiteLaxMode
	}
	cookie := &http.Cookie{
		Name:     m.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: sameSite,
	}
	if m.MaxAge > 0 {
		cookie.MaxAge = int(m.MaxAge.Seconds())
	}
	http.SetCookie(w, cookie)
}
