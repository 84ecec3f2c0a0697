// Package identity verifies the session tokens that the external auth
// service issues to chat users, so intake knows who is speaking.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoSecret is returned when a SessionIssuer is built without a secret.
var ErrNoSecret = errors.New("session secret is empty")

// SessionClaims are the JWT claims of a chat session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Type     string `json:"type"` // always "session"
}

// SessionIssuer issues and verifies HS256 session tokens with a secret shared
// with the auth service.
type SessionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSessionIssuer creates a SessionIssuer.
//
//	secret: HMAC key shared with the auth service.
//	issuer: the "iss" claim value.
//	ttl: token lifetime (default: 24 hours).
func NewSessionIssuer(secret, issuer string, ttl time.Duration) (*SessionIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed session token. Production tokens come from the auth
// service; this exists for development tooling and tests.
func (s *SessionIssuer) Issue(userID, username string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		UserID:   userID,
		Username: username,
		Type:     "session",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (s *SessionIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token claims")
	}
	if claims.Type != "session" {
		return nil, fmt.Errorf("not a session token")
	}
	if claims.Username == "" {
		return nil, fmt.Errorf("session token has no username")
	}
	return claims, nil
}
