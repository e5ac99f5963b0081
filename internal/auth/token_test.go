package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-unit-tests-0123456789"

// fixedClock はテスト用に時刻を固定したTokenServiceを返す。
func fixedClock(now time.Time) *TokenService {
	s := NewTokenService(testSecret, "authgate-test", time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func TestTokenService(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	user := &User{ID: "user-1", Email: "user@example.com", Roles: []string{"user"}}

	t.Run("発行したトークンを検証でき、subがユーザーIDになること", func(t *testing.T) {
		t.Parallel()

		s := fixedClock(now)
		token, expiresAt, err := s.Issue(user)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), expiresAt)

		claims, err := s.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "user@example.com", claims.Email)
		assert.Equal(t, []string{"user"}, claims.Roles)
		assert.Equal(t, "authgate-test", claims.Issuer)
		assert.NotEmpty(t, claims.ID)
	})

	t.Run("期限切れのトークンは正しく署名されていても拒否されること", func(t *testing.T) {
		t.Parallel()

		token, _, err := fixedClock(now).Issue(user)
		require.NoError(t, err)

		_, err = fixedClock(now.Add(2 * time.Hour)).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("異なる鍵で署名されたトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewTokenService("another-secret-key-for-unit-tests-9876", "authgate-test", time.Hour)
		other.now = func() time.Time { return now }
		token, _, err := other.Issue(user)
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("発行者が異なるトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewTokenService(testSecret, "someone-else", time.Hour)
		other.now = func() time.Time { return now }
		token, _, err := other.Issue(user)
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HMAC以外のアルゴリズムは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "authgate-test",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HS512で署名されたトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "authgate-test",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expのないトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "authgate-test"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subのないトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authgate-test",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = fixedClock(now).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("JWTでない文字列は拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := fixedClock(now).Parse("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
