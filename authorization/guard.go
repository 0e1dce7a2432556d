package authorization

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard 封装 JWT 中间件以提供授权辅助方法。
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard 根据给定的 JWT 中间件构建守卫辅助。
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// Guard 返回模块内部复用的守卫实例。
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// RequireAuthenticated 确保请求携带有效的 JWT。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireRole 限定请求必须拥有给定角色。
func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	expected := strings.ToLower(strings.TrimSpace(role))
	if expected == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if strings.ToLower(strings.TrimSpace(extractRole(claims))) == expected {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("%s role required", strings.TrimSpace(role))})
	}
}
