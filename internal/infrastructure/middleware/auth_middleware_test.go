package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(t *testing.T) (*gin.Engine, services.PairingAuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := services.NewPairingAuthService("pair-secret", "jwt-test-secret", time.Minute, time.Hour)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/protected", func(c *gin.Context) {
		deviceID, _ := c.Get("device_id")
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID})
	})
	return router, auth
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	router, auth := newAuthRouter(t)

	token, err := auth.GenerateToken(domain.DeviceID("dev_a"), "bench phone")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestOptionalAuthPassesWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewPairingAuthService("pair-secret", "jwt-test-secret", time.Minute, time.Hour)

	router := gin.New()
	router.Use(OptionalAuthMiddleware(auth))
	router.GET("/open", func(c *gin.Context) {
		_, authenticated := c.Get("device_id")
		c.JSON(http.StatusOK, gin.H{"authenticated": authenticated})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/open", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}
