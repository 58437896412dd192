// Package api serves the trust substrate over HTTP. Every tenant data path
// goes through the gate; auditor endpoints require the platform auditor role.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/health"
	"github.com/jmerrifield20/trustsubstrate/internal/identity"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"github.com/jmerrifield20/trustsubstrate/internal/metrics"
	"github.com/jmerrifield20/trustsubstrate/internal/seal"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies, including seal verification uploads.
const maxBodyBytes = 8 << 20

// Options configures the router's middleware. RateLimitRPS applies to the
// API per tenant and actor, or per IP for anonymous callers.
// A non-nil Redis shares the rate limit budget across replicas.
type Options struct {
	CORSOrigins  []string
	RateLimitRPS int
	Redis        *redis.Client
}

// Deps are the components the handlers serve.
type Deps struct {
	Gate     *gate.Gate
	Verifier *verify.Verifier
	Sealer   *seal.Sealer
	Engine   *isolation.Engine
	Health   *health.Monitor
	Tokens   *identity.TokenVerifier
	Logger   *zap.Logger
}

// NewRouter builds the gin engine. ctx bounds background middleware state.
func NewRouter(ctx context.Context, opts Options, d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(opts.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})

	router.Use(requestLogger(d.Logger))
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())
	if d.Health != nil {
		router.GET("/readyz", func(c *gin.Context) {
			if !d.Health.Ready() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
	}

	v1 := router.Group("/api/v1")
	v1.Use(identity.Authenticate(d.Tokens))
	if opts.RateLimitRPS > 0 {
		local := RateLimiter(ctx, opts.RateLimitRPS, opts.RateLimitRPS*2, LimitKey)
		if opts.Redis != nil {
			v1.Use(RedisRateLimiter(opts.Redis, opts.RateLimitRPS, time.Second, LimitKey, local, d.Logger))
		} else {
			v1.Use(local)
		}
	}
	NewRecordHandler(d.Gate, d.Logger).Register(v1)

	auditor := v1.Group("", identity.RequireRole(identity.RoleAuditor))
	NewLedgerHandler(d.Verifier, d.Sealer, d.Logger).Register(auditor)
	if d.Health != nil {
		auditor.GET("/ledger/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"chains": d.Health.Snapshot(), "ready": d.Health.Ready()})
		})
	}
	if d.Engine != nil {
		NewIsolationHandler(d.Engine, d.Logger).Register(auditor)
	}
	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
