// Package auth turns bearer tokens into user claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrNoSecret is returned when signing or verifying without a secret.
	ErrNoSecret = errors.New("auth: signing secret not configured")
)

// Claims identify an authenticated user.
type Claims struct {
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// Verifier validates a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTManager issues and verifies HS256 tokens.
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTManager creates a manager. ttl applies to issued tokens.
func NewJWTManager(secret, issuer string, ttl time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

var _ Verifier = (*JWTManager)(nil)

type jwtClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for userID.
func (m *JWTManager) Issue(_ context.Context, userID int64, username string) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now().UTC()
	cl := jwtClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(m.secret)
}

// Verify checks signature, expiry and issuer and returns the user claims.
// The user id comes from the "uid" claim, or a numeric subject.
func (m *JWTManager) Verify(_ context.Context, raw string) (Claims, error) {
	if len(m.secret) == 0 {
		return Claims{}, ErrNoSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var out jwtClaims
	tkn, err := jwt.ParseWithClaims(raw, &out, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return Claims{}, ErrInvalidToken
	}

	userID := out.UserID
	if userID == 0 {
		if userID, err = strconv.ParseInt(out.Subject, 10, 64); err != nil {
			return Claims{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
		}
	}
	if userID <= 0 {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	claims := Claims{UserID: userID, Username: out.Username}
	if out.ExpiresAt != nil {
		claims.ExpiresAt = out.ExpiresAt.Time
	}
	return claims, nil
}
