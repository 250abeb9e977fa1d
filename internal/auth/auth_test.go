package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewJWTManager("s3cret", "dlmonitor", time.Hour)

	token, err := m.Issue(context.Background(), 42, "ada")
	require.NoError(t, err)

	claims, err := m.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "ada", claims.Username)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestVerifyRejects(t *testing.T) {
	m := NewJWTManager("s3cret", "dlmonitor", time.Hour)
	ctx := context.Background()

	other, err := NewJWTManager("different", "dlmonitor", time.Hour).Issue(ctx, 1, "")
	require.NoError(t, err)
	expired, err := NewJWTManager("s3cret", "dlmonitor", -time.Minute).Issue(ctx, 1, "")
	require.NoError(t, err)
	wrongIssuer, err := NewJWTManager("s3cret", "elsewhere", time.Hour).Issue(ctx, 1, "")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"bad signature": other,
		"expired":       expired,
		"wrong issuer":  wrongIssuer,
		"garbage":       "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Verify(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyNumericSubject(t *testing.T) {
	m := NewJWTManager("s3cret", "", time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "77",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	claims, err := m.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(77), claims.UserID)
}

func TestNoSecret(t *testing.T) {
	m := NewJWTManager("", "", time.Hour)

	_, err := m.Issue(context.Background(), 1, "")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = m.Verify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoSecret)
}
