package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/logger"
)

var log = logger.New("api")

// AuthMiddleware validates the Bearer token and puts the principal in the
// request context.
func AuthMiddleware(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		authenticate(c, tokens, strings.TrimPrefix(authHeader, "Bearer "))
	}
}

// TokenAuthMiddleware is AuthMiddleware for the websocket route. Browsers
// cannot set headers on an upgrade request, so the token may also arrive
// as the "token" query parameter.
func TokenAuthMiddleware(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" {
			log.Debug("No token on websocket request from %s", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		authenticate(c, tokens, token)
	}
}

func authenticate(c *gin.Context, tokens *auth.TokenService, token string) {
	claims, err := tokens.Validate(token)
	if err != nil {
		log.Debug("Token rejected for %s: %v", c.Request.RemoteAddr, err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	principal, err := claims.Principal()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID in token"})
		return
	}

	c.Set(auth.ContextUserID, principal.UserID)
	c.Set(auth.ContextDisplayName, principal.DisplayName)
	c.Next()
}
