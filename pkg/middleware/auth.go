package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/slippi-broadcast/pkg/response"
)

const (
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	// TokenQueryKey carries the token for clients that cannot set headers,
	// such as browser websockets.
	TokenQueryKey = "token"
)

// RequireToken returns a Gin middleware that only lets requests carrying
// token through. An empty token disables the check.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := c.Query(TokenQueryKey)
		if authHeader := c.GetHeader(AuthHeaderKey); authHeader != "" {
			if !strings.HasPrefix(authHeader, BearerPrefix) {
				response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization format")
				return
			}
			got = strings.TrimPrefix(authHeader, BearerPrefix)
		}
		if got == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token")
			return
		}

		c.Next()
	}
}
