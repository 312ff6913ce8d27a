package user

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func claimsFor(sub string, exp time.Duration) Claims {
	return Claims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "go-chat-app",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
	}
}

func TestAuthenticate(t *testing.T) {
	svc := NewService(testSecret, "go-chat-app")
	ctx := context.Background()

	uid, err := svc.Authenticate(ctx, sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("u-42", time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "u-42", uid)

	wrongIssuer := claimsFor("u-42", time.Hour)
	wrongIssuer.Issuer = "someone-else"

	noExpiry := claimsFor("u-42", time.Hour)
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("another-secret-of-length"), claimsFor("u-42", time.Hour))},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("u-42", -time.Minute))},
		{"no subject", sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("", time.Hour))},
		{"wrong issuer", sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer)},
		{"no expiry", sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"other algorithm", sign(t, jwt.SigningMethodHS512, []byte(testSecret), claimsFor("u-42", time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
