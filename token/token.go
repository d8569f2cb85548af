// Package token models the bearer token pair issued by the identity
// service's token endpoint.
package token

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrMalformedToken = errors.New("malformed access token")

// Token is an access/refresh token pair. ExpiresAt is always derived from
// the access token's JWT "exp" claim rather than the server's stated
// lifetime, so a Token rebuilt from a raw access token agrees with what the
// server will actually enforce.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// New builds a Token from the raw token pair, decoding the access token's
// payload to fill ExpiresAt. The signature is not verified; only the server
// ratifies tokens. A payload that cannot be decoded, or one missing the
// "exp" claim, yields ErrMalformedToken.
func New(accessToken, refreshToken string) (*Token, error) {
	parsed, _, err := jwtlib.NewParser().ParseUnverified(accessToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(ErrMalformedToken, err.Error())
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.Wrap(ErrMalformedToken, "missing exp claim")
	}

	return &Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    exp.Time.UTC(),
	}, nil
}

// ExpiresAtMillis returns the expiry as milliseconds since the epoch, the
// representation JavaScript consumers of the identity service use.
func (t *Token) ExpiresAtMillis() int64 {
	return t.ExpiresAt.UnixMilli()
}

// Expired reports whether the access token has passed its expiry.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RefreshIn returns how long from now a refresh should fire, given a lead
// time before expiry. It never returns a negative duration: a token already
// inside its lead window is due immediately.
func (t *Token) RefreshIn(now time.Time, lead time.Duration) time.Duration {
	d := t.ExpiresAt.Add(-lead).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
