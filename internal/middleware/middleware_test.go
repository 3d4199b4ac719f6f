package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aigateway/internal/database"
	"aigateway/internal/entitlement"
	"aigateway/internal/repository"
	"aigateway/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.Any("/x", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetUserID(c), "type": GetUserType(c)})
	})
	return r
}

func serve(r http.Handler, method, auth, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/x", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if ip != "" {
		req.RemoteAddr = ip + ":1234"
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	r := newEngine(CORS())

	w := serve(r, http.MethodOptions, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))

	w = serve(r, http.MethodPost, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, CORSHeaders().Get("Access-Control-Allow-Methods"), w.Header().Get("Access-Control-Allow-Methods"))
}

func TestOptionalJWT(t *testing.T) {
	jwtSvc := service.NewJWTServiceWith("secret", "aigateway", "aigateway-api")
	r := newEngine(OptionalJWT(jwtSvc))

	token, err := jwtSvc.GenerateToken("u1", "pro", time.Hour)
	require.NoError(t, err)
	expired, err := jwtSvc.GenerateToken("u1", "pro", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		auth   string
		status int
		body   string
	}{
		{"anonymous", "", http.StatusOK, `{"type":"","user":""}`},
		{"valid", "Bearer " + token, http.StatusOK, `{"type":"pro","user":"u1"}`},
		{"lowercase scheme", "bearer " + token, http.StatusOK, `{"type":"pro","user":"u1"}`},
		{"malformed", "Token abc", http.StatusUnauthorized, `{"error":"malformed Authorization header"}`},
		{"garbage", "Bearer abc", http.StatusUnauthorized, `{"error":"invalid token"}`},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, `{"error":"token expired"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodPost, tt.auth, "")
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestRequireJWT(t *testing.T) {
	jwtSvc := service.NewJWTServiceWith("secret", "aigateway", "aigateway-api")
	r := newEngine(RequireJWT(jwtSvc))
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "", "").Code)
}

func TestRateLimitByIP(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := newEngine(rl.RateLimitByIP())

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "", "10.0.0.1").Code)
	w := serve(r, http.MethodPost, "", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "", "10.0.0.2").Code)

	assert.Equal(t, 0, rl.Cleanup(time.Now()))
	assert.Equal(t, 2, rl.Cleanup(time.Now().Add(time.Hour)))
}

func TestDailyLimit(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	store := entitlement.NewSQLiteStore(repository.NewRateLimitRepository(db))
	ent := entitlement.NewService(store, entitlement.Limits{
		Anonymous:   1,
		PerUserType: map[string]int64{"regular": 2},
	}, 24*time.Hour)

	jwtSvc := service.NewJWTServiceWith("secret", "aigateway", "aigateway-api")
	token, err := jwtSvc.GenerateToken("u1", "regular", time.Hour)
	require.NoError(t, err)

	r := newEngine(OptionalJWT(jwtSvc), DailyLimit(ent))

	w := serve(r, http.MethodPost, "", "10.0.0.9")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	w = serve(r, http.MethodPost, "", "10.0.0.9")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// 同一 IP 的登录用户按用户计数
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "Bearer "+token, "10.0.0.9").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "Bearer "+token, "10.0.0.9").Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}
