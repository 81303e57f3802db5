package auth

import (
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks the time-based and contextual claims of a JWT.
// Signatures are not checked here; the marketplace backend remains the
// authority on whether a token is genuine.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Validate ensures the token is not expired or used early and, when
// configured, that issuer and audience match.
func (v TokenValidator) Validate(tok jwt.Token, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}

	return jwt.Validate(tok, options...)
}
