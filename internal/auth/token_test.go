package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	userID := uuid.New()

	token, err := svc.IssueToken(userID, "listener")
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)

	gotID, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, gotID)
	assert.Equal(t, "listener", claims.UserType)
}

func TestVerifyTokenRejectsBadInput(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	userID := uuid.New()

	_, err := svc.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Wrong secret
	other := NewTokenService("other-secret", time.Hour)
	token, err := other.IssueToken(userID, "talker")
	require.NoError(t, err)
	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired
	expired := NewTokenService("test-secret", -time.Hour)
	token, err = expired.IssueToken(userID, "talker")
	require.NoError(t, err)
	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEnsureAuthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := NewTokenService("test-secret", time.Hour)
	userID := uuid.New()
	token, err := svc.IssueToken(userID, "talker")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", EnsureAuthenticated(svc), func(c *gin.Context) {
		id, ok := UserID(c)
		require.True(t, ok)
		c.JSON(200, gin.H{"user_id": id, "user_type": UserType(c)})
	})

	t.Run("bearer header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected?token="+token, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, 401, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		router.ServeHTTP(w, req)
		assert.Equal(t, 401, w.Code)
	})
}
