// Package auth validates the JWTs minted by the document platform's identity
// service. This backend never issues tokens; it only verifies them and
// extracts the identity snapshot that gets stamped onto audit records.
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var (
	jwtSecret     []byte
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// ErrMissingJWTSecret is returned when DVT_JWT_SECRET is unset or too short.
var ErrMissingJWTSecret = errors.New("DVT_JWT_SECRET must be set to at least 32 bytes")

// Claims is the identity snapshot carried in platform tokens.
type Claims struct {
	UserID string   `json:"uid"`
	Email  string   `json:"email"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// loadJWTSecret reads the secret once. The length floor exists because HS256
// with a short secret is brute-forceable offline.
func loadJWTSecret() ([]byte, error) {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("DVT_JWT_SECRET")
		if len(secret) < 32 {
			jwtSecretErr = ErrMissingJWTSecret
			return
		}
		jwtSecret = []byte(secret)
	})
	return jwtSecret, jwtSecretErr
}

// ValidateJWTSecret checks the secret at startup so a misconfigured server
// fails fast instead of rejecting every request.
func ValidateJWTSecret() error {
	_, err := loadJWTSecret()
	return err
}

// ValidateToken parses and verifies a token string, returning its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	secret, err := loadJWTSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
