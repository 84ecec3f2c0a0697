package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxSessionClaims = "chainchat_session_claims"

// SessionVerifier is satisfied by *SessionIssuer.
type SessionVerifier interface {
	Verify(tokenStr string) (*SessionClaims, error)
}

// RequireSession returns a Gin middleware that enforces a valid session token
// read from the Authorization header. Query-string tokens are not accepted.
func RequireSession(verifier SessionVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer session token required",
			})
			return
		}

		claims, err := verifier.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session token: " + err.Error(),
			})
			return
		}

		c.Set(ctxSessionClaims, claims)
		c.Next()
	}
}

// SessionFromCtx returns the session claims set by RequireSession, or nil.
func SessionFromCtx(c *gin.Context) *SessionClaims {
	v, _ := c.Get(ctxSessionClaims)
	claims, _ := v.(*SessionClaims)
	return claims
}

// BearerToken extracts a token from the Authorization header.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// UpgradeToken extracts a token for a websocket upgrade: the Authorization
// header, or the "token" query parameter since browsers cannot set headers
// on a websocket handshake. Use it only on the upgrade endpoint.
func UpgradeToken(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}
