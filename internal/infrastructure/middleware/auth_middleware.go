package middleware

import (
	"net/http"
	"strings"

	"streamhub/internal/core/ports"
	"streamhub/internal/core/services"
	"streamhub/pkg/logger"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// TokenFromRequest reads a bearer token from the Authorization header or,
// for websocket upgrades that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware resolves the caller and stores the identity in the gin
// context. Anonymous callers become guests unless auth is required. Browsers
// cannot set headers on a websocket handshake, so the guest display name is
// also read from the displayName query parameter.
func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.GetHeader("X-Display-Name")
		if name == "" {
			name = c.Query("displayName")
		}
		identity, err := authService.Authenticate(TokenFromRequest(c.Request), name)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(identity.UserID)))
		c.Next()
	}
}

// IdentityFrom returns the identity AuthMiddleware stored.
func IdentityFrom(c *gin.Context) (*ports.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*ports.Identity)
	return identity, ok && identity != nil
}
