// Package auth issues and verifies operator tokens for the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingKey   = errors.New("signing key is empty")
)

// Claims identifies the operator a token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// GenerateToken signs an HS256 token for operator, valid for ttl.
func GenerateToken(operator string, key []byte, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Operator: operator,
	})

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the signature and expiry and returns the operator name.
func ParseToken(tokenString string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Operator, nil
}
