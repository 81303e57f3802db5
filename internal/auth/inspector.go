package auth

import (
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

// Inspector decides whether a stored bearer token is worth sending. Expired
// or malformed JWTs count as absent so the cart falls back to guest mode
// instead of failing every backend call.
type Inspector struct {
	Validator TokenValidator
	// AllowOpaque accepts tokens that are not JWTs at all.
	AllowOpaque bool
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Usable implements cart.TokenChecker.
func (i Inspector) Usable(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if strings.Count(token, ".") != 2 {
		return i.AllowOpaque
	}
	tok, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		i.Logger.Debug().Err(err).Msg("auth_token_unparseable")
		return false
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	if err := i.Validator.Validate(tok, now()); err != nil {
		i.Logger.Debug().Err(err).Str("subject", tok.Subject()).Msg("auth_token_rejected")
		return false
	}
	return true
}

// Subject returns the token subject without validating it, for log context.
func Subject(token string) string {
	tok, err := jwt.ParseString(strings.TrimSpace(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return ""
	}
	return tok.Subject()
}
