package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACValidator_RoundTrip(t *testing.T) {
	v := NewHMACValidator("s3cret", "orchestrator")

	token, err := v.IssueToken("ops-1", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, "orchestrator", claims.Issuer)
	assert.True(t, claims.HasRole("admin"))
	assert.Greater(t, claims.ExpiresAt, time.Now().Unix())
}

func TestHMACValidator_Rejects(t *testing.T) {
	v := NewHMACValidator("s3cret", "orchestrator")

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() *operatorClaims {
		return &operatorClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "orchestrator",
				Subject:   "ops-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Roles: []string{"admin"},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"

	noSubject := valid()
	noSubject.Subject = ""

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", sign(valid(), jwt.SigningMethodHS256, []byte("other")), ErrInvalidToken},
		{"unsigned", sign(valid(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType), ErrInvalidToken},
		{"expired", sign(expired, jwt.SigningMethodHS256, []byte("s3cret")), ErrTokenExpired},
		{"no expiry", sign(noExpiry, jwt.SigningMethodHS256, []byte("s3cret")), ErrInvalidToken},
		{"wrong issuer", sign(wrongIssuer, jwt.SigningMethodHS256, []byte("s3cret")), ErrInvalidIssuer},
		{"no subject", sign(noSubject, jwt.SigningMethodHS256, []byte("s3cret")), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHMACValidator_AnyIssuer(t *testing.T) {
	issuer := NewHMACValidator("k", "cli")
	token, err := issuer.IssueToken("ops-2", nil, time.Minute)
	require.NoError(t, err)

	claims, err := NewHMACValidator("k", "").ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, claims.HasRole("admin"))
}
