package router

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aigateway/internal/billing"
	"aigateway/internal/database"
	"aigateway/internal/entitlement"
	"aigateway/internal/handler"
	"aigateway/internal/middleware"
	"aigateway/internal/model"
	"aigateway/internal/provider"
	"aigateway/internal/repository"
	"aigateway/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(t *testing.T) (*gin.Engine, *service.JWTService, *billing.Ledger) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := billing.NewLedger(db, billing.NewCalculator(billing.Pricing{
		PriceInCentsPerMTok: 150, PriceOutCentsPerMTok: 600, CentsPerCredit: 20, MinCreditsPerEvent: 1,
	}), billing.LedgerOptions{PlanCredits: map[string]int64{"regular": 500}})
	capture := billing.NewUsageCapture(time.Minute)
	jwtSvc := service.NewJWTServiceWith("secret", "aigateway", "aigateway-api")
	ent := entitlement.NewService(
		entitlement.NewSQLiteStore(repository.NewRateLimitRepository(db)),
		entitlement.Limits{Anonymous: 1, PerUserType: map[string]int64{"regular": 10}},
		24*time.Hour,
	)

	r := Setup(Deps{
		Gateway: handler.NewGatewayHandler(handler.GatewayConfig{
			Projects: service.NewProjectService(repository.NewProjectRepository(db), nil, service.ProjectDefaults{}),
			Backends: provider.NewClient(nil, capture),
			Ledger:   ledger,
			Usage:    capture,
		}),
		Billing:      handler.NewBillingHandler(ledger),
		System:       handler.NewSystemHandler(db),
		Tokens:       jwtSvc,
		Entitlements: ent,
		Burst:        middleware.NewRateLimiter(100, 100),
	})
	return r, jwtSvc, ledger
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _, _ := setup(t)
	w := do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestGeneratePreflight(t *testing.T) {
	r, _, _ := setup(t)
	w := do(r, http.MethodOptions, "/api/generate", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestAnonymousDailyLimit(t *testing.T) {
	r, _, _ := setup(t)
	body := `{"method":"generateText","options":{"prompt":"hi"}}`

	w := do(r, http.MethodPost, "/api/generate", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "first request reaches the handler")

	w = do(r, http.MethodPost, "/api/generate", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", gjson.Get(w.Body.String(), "error").String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestBillingRoutes(t *testing.T) {
	r, jwtSvc, ledger := setup(t)

	w := do(r, http.MethodGet, "/api/billing/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwtSvc.GenerateToken("u1", "regular", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w = do(r, http.MethodGet, "/api/billing/balance", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(500), gjson.Get(w.Body.String(), "balance.creditsRemaining").Int())

	_, err = ledger.ChargeUsage(context.Background(), "u1", model.EventGenerateText, 0, 0, "m", model.UsageMeta{RequestID: "r1"})
	require.NoError(t, err)

	w = do(r, http.MethodGet, "/api/billing/usage?limit=5", "", map[string]string{
		"Authorization":   "Bearer " + token,
		"Accept-Encoding": "gzip",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(data, "total").Int())
	assert.Equal(t, int64(5), gjson.GetBytes(data, "limit").Int())
	assert.Equal(t, "charged", gjson.GetBytes(data, "items.0.status").String())
}
