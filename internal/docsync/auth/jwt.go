// Package auth issues and checks the bearer tokens of the document sync
// service. A token names the owner whose documents the caller may touch.
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
)

// Claims are the registered claims plus the document owner.
type Claims struct {
	jwt.RegisteredClaims
	Owner string `json:"owner"`
}

// GenerateToken signs an HS256 token for owner. A zero validity issues a
// token without expiry.
func GenerateToken(owner string, secretKey []byte, validity time.Duration) (string, error) {
	if owner == "" {
		return "", errors.New("owner is required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  owner,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Owner: owner,
	}
	if validity != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(validity))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
}

// OwnerFromToken validates tokenString and returns its owner.
func OwnerFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Owner == "" {
		return "", ErrInvalidToken
	}
	return claims.Owner, nil
}
