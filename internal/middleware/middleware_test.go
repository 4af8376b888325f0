package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func learnerRouter(auth *service.AuthService, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequireLearnerJWT(auth))
	r.Use(mw...)
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"learner_id": GetClaims(c).LearnerID})
	})
	return r
}

func TestRequireLearnerJWT(t *testing.T) {
	auth := service.NewAuthService("secret")
	r := learnerRouter(auth)

	token, err := auth.GenerateLearnerToken(7, time.Hour)
	require.NoError(t, err)
	expired, err := auth.GenerateLearnerToken(7, -time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"valid", "Bearer " + token, http.StatusOK, ""},
		{"missing", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"malformed", "Bearer nope", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, "TOKEN_REQUIRED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.code != "" {
				assert.Contains(t, w.Body.String(), tc.code)
			} else {
				assert.Contains(t, w.Body.String(), `"learner_id":7`)
			}
		})
	}
}

func TestRequireLearnerWSAuth_ReadsQueryToken(t *testing.T) {
	auth := service.NewAuthService("secret")
	token, err := auth.GenerateLearnerToken(9, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws", RequireLearnerWSAuth(auth), func(c *gin.Context) {
		c.String(http.StatusOK, "%d", GetClaims(c).LearnerID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "9", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter_PerLearner(t *testing.T) {
	auth := service.NewAuthService("secret")
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	r := learnerRouter(auth, rl.Middleware())

	tokenA, _ := auth.GenerateLearnerToken(1, time.Hour)
	tokenB, _ := auth.GenerateLearnerToken(2, time.Hour)

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call(tokenA))
	assert.Equal(t, http.StatusOK, call(tokenA))
	assert.Equal(t, http.StatusTooManyRequests, call(tokenA))
	assert.Equal(t, http.StatusOK, call(tokenB))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, call(tokenA))
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/x", NoStore(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBrotli_CompressesLargeResponses(t *testing.T) {
	body := strings.Repeat("answer ", 500)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, body) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "br;q=0")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestBrotli_PassesAudioThrough(t *testing.T) {
	audio := bytes.Repeat([]byte{0xff, 0xfb, 0x90, 0x00}, 1024)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/clip", func(c *gin.Context) { c.Data(http.StatusOK, "audio/mpeg", audio) })

	req := httptest.NewRequest(http.MethodGet, "/clip", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, audio, w.Body.Bytes())
}
