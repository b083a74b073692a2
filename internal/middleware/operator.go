package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// OperatorTokenHeader carries the operator token for destructive admin
// endpoints (chain verification sweeps, summary rebuilds).
const OperatorTokenHeader = "X-Operator-Token"

// RequireOperatorToken compares the presented token against the configured
// bcrypt hash. These endpoints are guarded twice: a valid admin JWT plus the
// out-of-band operator token.
func RequireOperatorToken(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "operator token not configured"})
			return
		}
		token := c.GetHeader(OperatorTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing operator token"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid operator token"})
			return
		}
		c.Next()
	}
}
