package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/newsfeed/pkg/response"
)

// ViewerKey is the gin context key holding the authenticated viewer id.
const ViewerKey = "viewer_id"

// Auth resolves the bearer token to a viewer id. Token issuance and the
// rest of the auth surface live in the auth service; this only verifies
// the shared-secret signature and pulls the subject claim.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}

		viewerID := viewerFromClaims(claims)
		if viewerID <= 0 {
			response.Unauthorized(c, "token has no user id")
			c.Abort()
			return
		}
		c.Set(ViewerKey, viewerID)
		c.Next()
	}
}

func viewerFromClaims(claims jwt.MapClaims) int64 {
	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	// some issuers put the numeric id in sub
	if v, ok := claims["sub"].(float64); ok {
		return int64(v)
	}
	return 0
}
