// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, metrics, and audit actor propagation.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Security → RateLimit → Auth → Actor → Handler
//
// Security headers run before rate limiting so they appear on 429 responses.
// Rate limiting runs before auth to block brute-force attacks before any
// bcrypt work. Auth populates the subject identity; the actor middleware reads
// from that context so recorded entries are attributed to the caller.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/changetrail/changetrail/internal/config"
)

const (
	// AuthSubjectKey is the gin.Context key holding the authenticated caller's
	// identity: the JWT "sub" claim, or "api-key" for static key auth.
	AuthSubjectKey = "auth_subject"

	// AuthMethodKey is the gin.Context key holding how the caller
	// authenticated: "jwt" or "api_key".
	AuthMethodKey = "auth_method"
)

// AuthMiddleware validates the Bearer token on every request.
//
// Two credential kinds are accepted. HS256 JWTs signed with the configured
// secret are tried first because the check is pure CPU with no bcrypt cost.
// Anything that does not parse as a valid JWT is then compared against the
// configured bcrypt API key hashes. When auth is disabled in config the
// middleware is a pass-through.
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		if cfg.JWTSecret != "" {
			if subject, err := validateJWT(token, cfg.JWTSecret); err == nil {
				c.Set(AuthSubjectKey, subject)
				c.Set(AuthMethodKey, "jwt")
				c.Next()
				return
			}
		}

		if matchAPIKey(token, cfg.APIKeyHashes) {
			c.Set(AuthSubjectKey, "api-key")
			c.Set(AuthMethodKey, "api_key")
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid token",
		})
	}
}

// validateJWT parses and verifies an HS256 token and returns its subject.
func validateJWT(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

// matchAPIKey compares the presented key against every configured bcrypt
// hash. The hash list is expected to stay small (a handful of producer
// credentials), so the linear scan of bcrypt comparisons is acceptable.
func matchAPIKey(token string, hashes []string) bool {
	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return true
		}
	}
	return false
}
