package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{
		Secret:   "test-secret",
		Issuer:   "autotip",
		Audience: []string{"autotip-api"},
	}})
	require.NoError(t, err)
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newJWTService(t)
	token, err := svc.Issue("alice", PermissionAgentsRead)
	require.NoError(t, err)

	subject, err := svc.AuthenticateRequest("Bearer "+token, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.ID)
	assert.True(t, subject.HasPermission(PermissionAgentsRead))
	assert.ErrorIs(t, subject.Authorize(PermissionAgentsWrite), ErrPermissionDenied)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := newJWTService(t)

	other, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other", Issuer: "autotip", Audience: []string{"autotip-api"}}})
	require.NoError(t, err)
	forged, err := other.Issue("mallory")
	require.NoError(t, err)
	_, err = svc.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.Issue("alice")
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.AuthenticateRequest("Basic abc", "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestDisabledModeTrustsOwnerHeader(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())

	subject, err := svc.AuthenticateRequest("", " bob ")
	require.NoError(t, err)
	assert.Equal(t, "bob", subject.ID)
	assert.NoError(t, subject.Authorize(PermissionEventsDispatch))

	_, err = svc.AuthenticateRequest("", "")
	assert.True(t, errors.Is(err, ErrMissingOwner))

	_, err = svc.Issue("bob")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(Config{Mode: ModeJWT})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: "oauth"})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newJWTService(t)

	router := gin.New()
	router.GET("/agents", svc.Middleware(), svc.Require(PermissionAgentsRead), func(c *gin.Context) {
		c.String(http.StatusOK, OwnerID(c.Request.Context()))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noPerms, err := svc.Issue("alice")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Bearer "+noPerms)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	token, err := svc.Issue("alice", PermissionAgentsRead)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}
