package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/jivelabs/passport/pkg/errors"
	"github.com/jivelabs/passport/pkg/response"
)

// InternalKey authorizes service-to-service endpoints with a pre-shared key
// supplied as a bearer token. Comparison is constant time.
func InternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || !internalKeyMatches(c, key) {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminOrInternalKey accepts either an admin JWT or the internal pre-shared
// key, so operators and schedulers can hit the same maintenance endpoints.
func AdminOrInternalKey(jwtAuth gin.HandlerFunc, key string) gin.HandlerFunc {
	requireAdmin := RequireAdmin()
	return func(c *gin.Context) {
		if key != "" && internalKeyMatches(c, key) {
			c.Next()
			return
		}
		jwtAuth(c)
		if c.IsAborted() {
			return
		}
		requireAdmin(c)
	}
}

// AuthOrInternalKey accepts any valid session or the internal pre-shared key.
func AuthOrInternalKey(jwtAuth gin.HandlerFunc, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && internalKeyMatches(c, key) {
			c.Next()
			return
		}
		jwtAuth(c)
	}
}

func internalKeyMatches(c *gin.Context, key string) bool {
	presented := bearerToken(c)
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}
