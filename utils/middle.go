package utils

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	CtxUserID   = "user_id"
	CtxUsername = "username"
	CtxEmail    = "email"
	CtxIsAdmin  = "is_admin"
)

// AuthMiddleware verifies JWT and sets user context.
func AuthMiddleware(j *JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenParts := strings.SplitN(authHeader, " ", 2)
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": -1, "reason": "unauthorized", "msg": "unauthorized"})
			return
		}
		claims, err := j.VerifyToken(tokenParts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": -1, "reason": "unauthorized", "msg": "unauthorized"})
			return
		}
		c.Set(CtxUsername, claims.Username)
		c.Set(CtxUserID, claims.UserId)
		c.Set(CtxEmail, claims.Email)
		c.Set(CtxIsAdmin, claims.IsAdmin)
		c.Next()
	}
}
