package token_test

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jon-sully/netlify-identity-go/token"
)

func signedJWT(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	raw, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestNew_DerivesExpiryFromExpClaim(t *testing.T) {
	access := signedJWT(t, jwtlib.MapClaims{"exp": 1700000000})

	tok, err := token.New(access, "refresh-1")
	require.NoError(t, err)
	require.Equal(t, access, tok.AccessToken)
	require.Equal(t, "refresh-1", tok.RefreshToken)
	require.Equal(t, int64(1700000000*1000), tok.ExpiresAtMillis())
	require.Equal(t, time.Unix(1700000000, 0).UTC(), tok.ExpiresAt)
}

func TestNew_MalformedAccessToken(t *testing.T) {
	_, err := token.New("not-a-jwt", "refresh-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, token.ErrMalformedToken))
}

func TestNew_MissingExpClaim(t *testing.T) {
	access := signedJWT(t, jwtlib.MapClaims{"sub": "user-1"})

	_, err := token.New(access, "refresh-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, token.ErrMalformedToken))
}

func TestExpired(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	tok, err := token.New(signedJWT(t, jwtlib.MapClaims{"exp": exp.Unix()}), "r")
	require.NoError(t, err)

	require.False(t, tok.Expired(exp.Add(-time.Minute)))
	require.True(t, tok.Expired(exp.Add(time.Second)))
}

func TestRefreshIn(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	tok, err := token.New(signedJWT(t, jwtlib.MapClaims{"exp": exp.Unix()}), "r")
	require.NoError(t, err)

	t.Run("outside lead window", func(t *testing.T) {
		d := tok.RefreshIn(exp.Add(-10*time.Minute), time.Minute)
		require.Equal(t, 9*time.Minute, d)
	})

	t.Run("inside lead window is due now", func(t *testing.T) {
		d := tok.RefreshIn(exp.Add(-30*time.Second), time.Minute)
		require.Equal(t, time.Duration(0), d)
	})

	t.Run("already expired is due now", func(t *testing.T) {
		d := tok.RefreshIn(exp.Add(time.Hour), time.Minute)
		require.Equal(t, time.Duration(0), d)
	})
}
