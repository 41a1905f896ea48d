package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cardspace_rt/server/common/auth"
	"cardspace_rt/server/common/transport/httpresp"
)

const ContextIdentity = "auth_identity"

type tokenAuth interface {
	ParseIdentity(token string) (auth.Identity, error)
}

// BearerToken reads the handshake token from the Authorization header, falling
// back to the token query parameter browsers use for websocket upgrades.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func AuthRequired(svc tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		identity, err := svc.ParseIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		setIdentity(c, identity)
		c.Next()
	}
}

// OptionalAuth binds a verified identity when a valid token is present. With
// required set, a missing or invalid token aborts with 401.
func OptionalAuth(svc tokenAuth, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			c.Next()
			return
		}
		token := BearerToken(c.Request)
		if token == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
				return
			}
			c.Next()
			return
		}
		identity, err := svc.ParseIdentity(token)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
				return
			}
			c.Next()
			return
		}
		setIdentity(c, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity bound by AuthRequired or OptionalAuth.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	raw, ok := c.Get(ContextIdentity)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := raw.(auth.Identity)
	return identity, ok
}

func setIdentity(c *gin.Context, identity auth.Identity) {
	c.Set(ContextIdentity, identity)
}
