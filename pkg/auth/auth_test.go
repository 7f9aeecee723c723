package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func supabaseClaims(sub string, exp time.Time) *Claims {
	return &Claims{
		Email: sub + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestValidateToken(t *testing.T) {
	v, err := NewJWTValidator(JWTConfig{Secret: secret})
	require.NoError(t, err)
	later := time.Now().Add(time.Hour)

	t.Run("valid", func(t *testing.T) {
		claims, err := v.ValidateToken("Bearer " + sign(t, secret, jwt.SigningMethodHS256, supabaseClaims("alice", later)))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.UserID())
		assert.Equal(t, "alice@example.com", claims.Email)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.ValidateToken(sign(t, secret, jwt.SigningMethodHS256, supabaseClaims("alice", time.Now().Add(-time.Minute))))
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.ValidateToken(sign(t, "another-secret-another-secret-another", jwt.SigningMethodHS256, supabaseClaims("alice", later)))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := supabaseClaims("alice", later)
		c.Audience = jwt.ClaimStrings{"anon"}
		_, err := v.ValidateToken(sign(t, secret, jwt.SigningMethodHS256, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other algorithm", func(t *testing.T) {
		_, err := v.ValidateToken(sign(t, secret, jwt.SigningMethodHS512, supabaseClaims("alice", later)))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no subject", func(t *testing.T) {
		_, err := v.ValidateToken(sign(t, secret, jwt.SigningMethodHS256, supabaseClaims("", later)))
		assert.ErrorIs(t, err, ErrInvalidClaims)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := v.ValidateToken("Bearer ")
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestNewJWTValidatorRequiresSecret(t *testing.T) {
	_, err := NewJWTValidator(JWTConfig{})
	assert.Error(t, err)
}

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewSlidingWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys have separate budgets")

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("a"))
}

func TestRequestLimiterUnlimited(t *testing.T) {
	l := NewRequestLimiter(0, 1)
	for i := 0; i < 5; i++ {
		assert.True(t, l.AllowIP("10.0.0.1"))
	}
	assert.True(t, l.AllowUser("alice"))
	assert.False(t, l.AllowUser("alice"))
}
