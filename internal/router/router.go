package router

import (
	"net/http"

	"aigateway/internal/entitlement"
	"aigateway/internal/handler"
	"aigateway/internal/middleware"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// Deps 路由依赖
type Deps struct {
	Gateway      *handler.GatewayHandler
	Billing      *handler.BillingHandler
	System       *handler.SystemHandler
	Tokens       middleware.TokenValidator
	Entitlements *entitlement.Service
	Burst        *middleware.RateLimiter
}

func Setup(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.AccessLog("/healthz"))
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())

	r.GET("/healthz", d.System.Healthz)

	api := r.Group("/api")
	{
		generate := []gin.HandlerFunc{middleware.OptionalJWT(d.Tokens)}
		if d.Burst != nil {
			generate = append(generate, d.Burst.RateLimitByIP())
		}
		if d.Entitlements != nil {
			generate = append(generate, middleware.DailyLimit(d.Entitlements))
		}
		generate = append(generate, d.Gateway.Generate)
		api.POST("/generate", generate...)
		api.OPTIONS("/generate", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		billing := api.Group("/billing")
		billing.Use(middleware.RequireJWT(d.Tokens))
		billing.Use(gzip.Gzip(gzip.DefaultCompression))
		{
			billing.GET("/balance", d.Billing.GetBalance)
			billing.GET("/usage", d.Billing.ListUsage)
		}
	}

	return r
}
