package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
)

const (
	ctxIdentity      = "trust_identity"
	ctxSessionClaims = "trust_session_claims"
)

// Authenticate returns a Gin middleware that verifies a Bearer session token
// and injects the resulting gate.Identity. It never aborts: a missing or
// invalid token leaves an unauthenticated identity, which the gate rejects.
func Authenticate(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims *SessionClaims
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			if verifier != nil {
				if cl, err := verifier.Verify(strings.TrimPrefix(authHeader, "Bearer ")); err == nil {
					claims = cl
				} else {
					_ = c.Error(err)
				}
			}
		}
		if claims != nil {
			c.Set(ctxSessionClaims, claims)
		}
		c.Set(ctxIdentity, ToIdentity(claims))
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated identity carries role.
// Unauthenticated callers get 401.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFromCtx(c)
		if !id.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !id.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + role + " required"})
			return
		}
		c.Next()
	}
}

// IdentityFromCtx returns the identity injected by Authenticate, or an
// unauthenticated identity if none was set.
func IdentityFromCtx(c *gin.Context) gate.Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(gate.Identity)
	return id
}

// ClaimsFromCtx returns the verified session claims, or nil.
func ClaimsFromCtx(c *gin.Context) *SessionClaims {
	v, _ := c.Get(ctxSessionClaims)
	claims, _ := v.(*SessionClaims)
	return claims
}
