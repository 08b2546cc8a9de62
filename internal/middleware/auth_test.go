package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/changetrail/changetrail/internal/config"
)

const testJWTSecret = "test-jwt-secret-that-is-32-chars!!"

func signTestJWT(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAuthRouter(cfg *config.AuthConfig) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subject": c.GetString(AuthSubjectKey),
			"method":  c.GetString(AuthMethodKey),
		})
	})
	return r
}

func doAuthRequest(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_DisabledPassesThrough(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: false})
	if w := doAuthRequest(r, ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth is disabled", w.Code)
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	if w := doAuthRequest(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for missing header", w.Code)
	}
}

func TestAuthMiddleware_NonBearerHeader(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	if w := doAuthRequest(r, "Basic dXNlcjpwYXNz"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for non-Bearer header", w.Code)
	}
}

func TestAuthMiddleware_EmptyToken(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	if w := doAuthRequest(r, "Bearer   "); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for empty token", w.Code)
	}
}

func TestAuthMiddleware_ValidJWT(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	token := signTestJWT(t, testJWTSecret, "svc-orders", time.Hour)

	w := doAuthRequest(r, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for valid JWT", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"subject":"svc-orders"`) || !strings.Contains(body, `"method":"jwt"`) {
		t.Errorf("unexpected context values: %s", body)
	}
}

func TestAuthMiddleware_ExpiredJWT(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	token := signTestJWT(t, testJWTSecret, "svc-orders", -time.Hour)

	if w := doAuthRequest(r, "Bearer "+token); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for expired JWT", w.Code)
	}
}

func TestAuthMiddleware_WrongSecretJWT(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	token := signTestJWT(t, "a-completely-different-signing-key", "svc-orders", time.Hour)

	if w := doAuthRequest(r, "Bearer "+token); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for JWT signed with wrong secret", w.Code)
	}
}

func TestAuthMiddleware_JWTWithoutSubject(t *testing.T) {
	r := newAuthRouter(&config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret})
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if w := doAuthRequest(r, "Bearer "+signed); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for JWT with no subject", w.Code)
	}
}

func TestAuthMiddleware_ValidAPIKey(t *testing.T) {
	const key = "ctr_live_9f8e7d6c5b4a"
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	r := newAuthRouter(&config.AuthConfig{Enabled: true, APIKeyHashes: []string{string(hash)}})

	w := doAuthRequest(r, "Bearer "+key)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for valid API key", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"method":"api_key"`) {
		t.Errorf("unexpected context values: %s", w.Body.String())
	}
}

func TestAuthMiddleware_WrongAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("the-real-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	r := newAuthRouter(&config.AuthConfig{Enabled: true, APIKeyHashes: []string{string(hash)}})

	if w := doAuthRequest(r, "Bearer not-the-key"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for wrong API key", w.Code)
	}
}

func TestAuthMiddleware_JWTSecretUnsetFallsBackToAPIKeys(t *testing.T) {
	const key = "only-api-keys-configured"
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	r := newAuthRouter(&config.AuthConfig{Enabled: true, APIKeyHashes: []string{string(hash)}})

	if w := doAuthRequest(r, "Bearer "+key); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
