package middleware

import (
	"net/http"

	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// auditActions maps write routes (gin route templates) to audit action names.
var auditActions = map[string]string{
	http.MethodPost + " /api/v1/items":                        "item_submitted",
	http.MethodPost + " /api/v1/items/:id/assign":             "item_assigned",
	http.MethodPut + " /api/v1/items/:id/status":              "item_status_set",
	http.MethodPost + " /api/v1/pools/:id/book":               "pool_booked",
	http.MethodPut + " /api/v1/pools/:id/status":              "pool_status_set",
	http.MethodPost + " /api/v1/pools/:id/recompute":          "pool_recomputed",
	http.MethodPost + " /api/v1/pools/assign":                 "assignment_sweep",
	http.MethodPost + " /api/v1/webhooks/subscriptions":       "subscription_created",
	http.MethodDelete + " /api/v1/webhooks/subscriptions/:id": "subscription_deactivated",
}

// AuditLog writes one structured audit entry per successful operator write.
func AuditLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		action, ok := auditActions[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		event := log.Info().
			Str("audit_action", action).
			Str("request_id", c.GetString(response.CtxRequestID)).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("client_ip", c.ClientIP())
		if id := c.Param("id"); id != "" {
			event = event.Str("resource_id", id)
		}
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			event = event.Str("idempotency_key", key)
		}
		if c.Writer.Header().Get(response.HeaderReplayed) == "true" {
			event = event.Bool("replayed", true)
		}
		event.Msg("audit")
	}
}
