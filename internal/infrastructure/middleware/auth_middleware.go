package middleware

import (
	"net/http"
	"strings"

	"camrelay/internal/core/services"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(authService services.PairingAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		token := parts[1]
		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		// Store device identity in context
		c.Set("device_id", claims.DeviceID)
		c.Set("device_name", claims.DeviceName)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.PairingAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token := parts[1]
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set("device_id", claims.DeviceID)
				c.Set("device_name", claims.DeviceName)
			}
		}

		c.Next()
	}
}
