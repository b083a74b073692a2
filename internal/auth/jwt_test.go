package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func setTestSecret(t *testing.T) {
	t.Helper()
	t.Setenv("DVT_JWT_SECRET", testSecret)
	// Reset the once so each test sees its own environment.
	jwtSecretOnce = sync.Once{}
	jwtSecret = nil
	jwtSecretErr = nil
}

func TestValidateToken(t *testing.T) {
	setTestSecret(t)

	claims := Claims{
		UserID: "u-1",
		Email:  "alice@example.com",
		Role:   "editor",
		Scopes: []string{ScopeAuditRead},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	got, err := ValidateToken(signToken(t, claims, testSecret))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "u-1" || got.Email != "alice@example.com" {
		t.Errorf("unexpected claims: %+v", got)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	setTestSecret(t)

	claims := Claims{UserID: "u-1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	if _, err := ValidateToken(signToken(t, claims, "another-secret-that-is-long-enough")); err == nil {
		t.Error("expected error for token signed with wrong secret")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	setTestSecret(t)

	claims := Claims{UserID: "u-1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	if _, err := ValidateToken(signToken(t, claims, testSecret)); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required string
		want     bool
	}{
		{"direct match", []string{ScopeAuditRead}, ScopeAuditRead, true},
		{"missing", []string{ScopeAuditRead}, ScopeAuditVerify, false},
		{"admin implies all", []string{ScopeAdmin}, ScopeAuditAdmin, true},
		{"audit admin implies read", []string{ScopeAuditAdmin}, ScopeAuditRead, true},
		{"audit admin implies verify", []string{ScopeAuditAdmin}, ScopeAuditVerify, true},
		{"read does not imply admin", []string{ScopeAuditRead}, ScopeAuditAdmin, false},
		{"no scopes", nil, ScopeAuditRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Claims{Scopes: tt.scopes}
			if got := c.HasScope(tt.required); got != tt.want {
				t.Errorf("HasScope(%q) = %v, want %v", tt.required, got, tt.want)
			}
		})
	}
}
