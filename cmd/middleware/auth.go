package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"volunteerhub/internal/dto"
	"volunteerhub/internal/model"
)

// IdentityKey is the context key the auth middleware stores the
// resolved identity under.
const IdentityKey = "identity"

// TokenVerifier resolves a bearer token to the identity it was issued
// for.
type TokenVerifier interface {
	VerifyToken(token string) (*model.Identity, error)
}

// AuthMiddleware resolves an Authorization: Bearer header to an
// Identity and attaches it to the request. Requests without the header
// pass through unauthenticated; a present but invalid token is
// rejected.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			dto.AuthFailedError(c, "Malformed Authorization header")
			c.Abort()
			return
		}

		ident, err := verifier.VerifyToken(token)
		if err != nil {
			dto.AuthFailedError(c, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(IdentityKey, ident)
		c.Next()
	}
}

// IdentityFrom returns the identity the auth middleware attached, if
// any.
func IdentityFrom(c *gin.Context) (*model.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	ident, ok := v.(*model.Identity)
	return ident, ok
}
