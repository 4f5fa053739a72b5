package utils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CloudVault/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWT("secret")
	token, err := j.GenerateToken(7, "alice", "alice@example.com", true, time.Hour)
	require.NoError(t, err)

	claims, err := j.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), claims.UserId)
	assert.True(t, claims.IsAdmin)

	_, err = NewJWT("other").VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := j.GenerateToken(7, "alice", "", false, -time.Minute)
	require.NoError(t, err)
	_, err = j.VerifyToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := NewJWT("secret")
	r := gin.New()
	r.GET("/me", AuthMiddleware(j), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.GetUint64(CtxUserID)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := j.GenerateToken(9, "bob", "", false, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":9}`, w.Body.String())
}

func TestFailMapsReasonCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{apperr.Deny(apperr.ErrExpired), http.StatusGone, `{"code":-1,"reason":"expired","msg":"share link expired"}`},
		{apperr.ErrQuotaExceeded, http.StatusInsufficientStorage, `{"code":-1,"reason":"quota_exceeded","msg":"storage quota exceeded"}`},
		{errors.New("db down"), http.StatusInternalServerError, `{"code":-1,"reason":"internal","msg":"internal error"}`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Fail(c, tc.err)
		assert.Equal(t, tc.status, w.Code)
		assert.JSONEq(t, tc.body, w.Body.String())
	}
}

func TestCleanFileName(t *testing.T) {
	assert.Equal(t, "report.pdf", CleanFileName("../../etc/report.pdf"))
	assert.Equal(t, "a.txt", CleanFileName(`C:\Users\me\a.txt`))
	assert.Equal(t, "evil.txt", CleanFileName("evil\r\n\".txt"))
	assert.Equal(t, "upload", CleanFileName("  "))
}

func TestShareTokenAndPassword(t *testing.T) {
	assert.Regexp(t, `^[0-9a-f]{32}$`, NewShareToken())
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, CheckPassword("pw", hash))
	assert.False(t, CheckPassword("nope", hash))
}

func TestCORSAllowList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
