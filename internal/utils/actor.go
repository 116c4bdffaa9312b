package utils

import (
	"github.com/gin-gonic/gin"
)

const (
	claimsKey    = "auth_claims"
	RequestIDKey = "request_id"

	// GuestActor is recorded for customer actions on public routes.
	GuestActor = "customer"
)

func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(claimsKey, claims)
}

func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// Actor names who performed the current request.
func Actor(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.StaffID
	}
	return GuestActor
}

func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
