package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ogsolar-core/internal/utils"
)

// JWTAuth requires a valid staff bearer token and stores its claims on the
// context.
func JWTAuth(issuer *utils.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}

		claims, err := issuer.ParseToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
		utils.SetClaims(c, claims)
		c.Next()
	}
}

// RequireRole admits only the listed roles. Admins always pass.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := map[string]bool{utils.RoleAdmin: true}
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		claims := utils.ClaimsFrom(c)
		if claims == nil || !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Forbidden"})
			return
		}
		c.Next()
	}
}
