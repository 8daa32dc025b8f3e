package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/booking-notifier/pkg/httputil"
)

const ContextProvider = "provider"

type TokenVerifier interface {
	Verify(token string) (*jwt.RegisteredClaims, error)
}

// WebhookAuth verifies the provider's bearer token and records its subject
// as the calling provider. A nil verifier leaves the route open.
func WebhookAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.ErrorBody{Error: "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.ErrorBody{Error: "invalid authorization format"})
			return
		}

		claims, err := verifier.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.ErrorBody{Error: "invalid token"})
			return
		}

		c.Set(ContextProvider, claims.Subject)
		c.Next()
	}
}
