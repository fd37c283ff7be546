// Package auth gates the v1 API behind a shared key. Per-user identity
// is out of scope; submitting photographers and searching guests present
// the same deployment-wide credential.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Header carries the caller's key on every authenticated request.
const Header = "X-API-Key"

// RequireAPIKey rejects requests whose X-API-Key header does not match
// the configured key. A missing header reads as unauthenticated (401), a
// wrong key as forbidden (403). An empty configured key disables the
// check, which is how local development runs.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		presented := c.GetHeader(Header)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid API key",
			})
			return
		}

		c.Next()
	}
}
