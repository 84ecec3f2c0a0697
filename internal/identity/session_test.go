package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) *identity.SessionIssuer {
	t.Helper()
	s, err := identity.NewSessionIssuer("test-secret", "chainchat-auth", time.Hour)
	require.NoError(t, err)
	return s
}

func TestNewSessionIssuer_requiresSecret(t *testing.T) {
	_, err := identity.NewSessionIssuer("", "x", 0)
	assert.ErrorIs(t, err, identity.ErrNoSecret)
}

func TestIssueVerify_roundTrip(t *testing.T) {
	s := newIssuer(t)
	tok, err := s.Issue("u-1", "alice")
	require.NoError(t, err)

	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestVerify_rejects(t *testing.T) {
	s := newIssuer(t)

	other, err := identity.NewSessionIssuer("other-secret", "chainchat-auth", time.Hour)
	require.NoError(t, err)
	wrongKey, err := other.Issue("u-1", "alice")
	require.NoError(t, err)

	otherIss, err := identity.NewSessionIssuer("test-secret", "someone-else", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := otherIss.Issue("u-1", "alice")
	require.NoError(t, err)

	noType := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chainchat-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username: "alice",
	})
	noTypeStr, err := noType.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "not.a.jwt",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"wrong type":   noTypeStr,
	} {
		_, err := s.Verify(tok)
		assert.Error(t, err, name)
	}
}

func TestRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newIssuer(t)

	r := gin.New()
	r.GET("/me", identity.RequireSession(s), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": identity.SessionFromCtx(c).Username})
	})

	tok, err := s.Issue("u-1", "alice")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"username":"alice"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query tokens only work on websocket upgrades")
}

func TestUpgradeToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", identity.UpgradeToken(req))
	assert.Empty(t, identity.BearerToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", identity.UpgradeToken(req))
	assert.Equal(t, "from-header", identity.BearerToken(req))
}
