// Package auth turns bearer credentials into user identities. Tokens are
// HS256-signed JWTs whose subject is the user's UUID.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any credential that cannot be resolved to
// a user: bad signature, wrong algorithm, expired, or a subject that is not
// a UUID.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the payload carried by a chat access token.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator verifies and issues tokens signed with a shared secret.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator returns a Validator for secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{secret: secret, issuer: "cam-chat"}
}

// Validate checks the signature and expiry of token and returns the user id
// from its subject.
func (v *Validator) Validate(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return userID, nil
}

// Issue signs a token for userID that expires after ttl. It backs test
// fixtures and local tooling; production tokens come from the login service.
func (v *Validator) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
