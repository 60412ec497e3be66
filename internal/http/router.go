// Package httpapi wires the HTTP transport (Gin) to the reminder worker:
// the scheduling API, the worker hooks, the realtime WebSocket endpoint and
// the cross-cutting middleware (tracing, correlation IDs, logging, panic
// recovery, metrics, rate limiting, CORS and security headers).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-reminder-worker/internal/config"
	"github.com/tbourn/go-reminder-worker/internal/http/handlers"
	"github.com/tbourn/go-reminder-worker/internal/http/middleware"
)

// WSPath is where realtime clients connect.
const WSPath = "/ws"

// maxBody caps every request body. Reminder payloads are small.
const maxBody = 64 << 10

var corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderClientID}

// RegisterRoutes attaches middleware and endpoints to r. ws serves the
// realtime upgrade and may be nil when no surface is attached.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, Logger, Recovery
//  3. Body size limiter
//  4. Metrics
//  5. Rate limiter (per client/IP; health, metrics and ws exempt)
//  6. CORS and security headers
func RegisterRoutes(r *gin.Engine, h *handlers.Handlers, ws http.HandlerFunc, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBody))

	// Long-lived WebSocket connections would skew the latency histogram.
	r.Use(middleware.Metrics(WSPath))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP(), "/health", "/metrics", WSPath)
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{middleware.HeaderRequestID, "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					hd := c.Writer.Header()
					hd.Set("Access-Control-Allow-Origin", origin)
					hd.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{middleware.HeaderRequestID, "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if ws != nil {
		r.GET(WSPath, gin.WrapF(ws))
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
	{
		// Reminders
		api.POST("/reminders", h.ScheduleReminder)
		api.GET("/reminders", h.ListReminders)
		api.POST("/reminders/test", h.TestReminder)
		api.DELETE("/reminders/:id", h.CancelReminder)
		api.DELETE("/sources/:id/reminders", h.CancelSource)

		// Worker hooks
		api.POST("/messages", h.Message)
		api.POST("/lifecycle/activate", h.Activate)
		api.POST("/notifications/:id/click", h.NotificationClick)
		api.POST("/notifications/:id/actions/:action", h.NotificationAction)
	}
}

// limitBody caps the request body size to maxBytes using
// http.MaxBytesReader. Oversized bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
