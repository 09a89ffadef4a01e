package handler

import (
	"net/http"

	"freight-pooling/internal/adapter/http/middleware"
	"freight-pooling/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	IdempotencySvc ports.IdempotencyService
	AssignmentSvc  ports.AssignmentService
	LifecycleSvc   ports.LifecycleService
	BookingSvc     ports.BookingService
	WebhookSvc     ports.WebhookService
	RateLimitStore middleware.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	MetricsHandler http.Handler // nil = no /metrics endpoint
	AssignLimit    int
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	r.Use(middleware.AuditLog(deps.Logger))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	itemHandler := NewItemHandler(deps.IdempotencySvc, deps.AssignmentSvc, deps.LifecycleSvc)
	items := v1.Group("/items")
	{
		items.POST("", rl("items_submit"), itemHandler.Submit)
		items.GET("/:id", rl("reads"), itemHandler.Get)
		items.POST("/:id/assign", rl("operations"), itemHandler.Assign)
		items.PUT("/:id/status", rl("operations"), itemHandler.SetStatus)
	}

	poolHandler := NewPoolHandler(deps.IdempotencySvc, deps.LifecycleSvc, deps.BookingSvc, deps.AssignmentSvc, deps.AssignLimit)
	pools := v1.Group("/pools")
	{
		pools.GET("", rl("reads"), poolHandler.List)
		pools.POST("/assign", rl("operations"), poolHandler.AssignPending)
		pools.GET("/:id", rl("reads"), poolHandler.Get)
		pools.GET("/:id/events", rl("reads"), poolHandler.Events)
		pools.POST("/:id/book", rl("pools_book"), poolHandler.Book)
		pools.PUT("/:id/status", rl("operations"), poolHandler.SetStatus)
		pools.POST("/:id/recompute", rl("operations"), poolHandler.Recompute)
	}

	webhookHandler := NewWebhookHandler(deps.WebhookSvc)
	webhooks := v1.Group("/webhooks", rl("webhooks"))
	{
		webhooks.POST("/subscriptions", webhookHandler.CreateSubscription)
		webhooks.GET("/subscriptions", webhookHandler.ListSubscriptions)
		webhooks.DELETE("/subscriptions/:id", webhookHandler.DeactivateSubscription)
		webhooks.GET("/deliveries", webhookHandler.ListDeliveries)
	}

	return r
}
