package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// ClaimsKey is the gin context key holding the verified *Claims.
const ClaimsKey ContextKey = "auth_claims"

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Client string `json:"client"`
	Secret string `json:"secret"`
}

// GinAuth rejects requests without a valid bearer token. A nil Service lets
// every request through.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		claims, err := s.Verify(bearerToken(c.Request))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Set(string(ClaimsKey), claims)
		c.Next()
	}
}

// GinLogin handles POST login requests.
func (s *Service) GinLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Client == "" {
		req.Client = "anonymous"
	}
	tok, err := s.Login(req.Client, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "Invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, tok)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
