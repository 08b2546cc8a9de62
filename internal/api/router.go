// Package api wires together all HTTP routes for the changetrail server.
//
// Route grouping philosophy:
//   - /api/v1/events is the write side. Producers report lifecycle events
//     here; it gets the looser ingest rate limit because event producers
//     flush in bursts.
//   - The remaining /api/v1/ routes are the read and operator side, behind
//     the general rate limit.
//   - Both sides sit behind the same authentication middleware; the actor
//     middleware additionally resolves the acting identity for the write
//     side so recorded entries carry attribution.
//
// Middleware order is Recovery, RequestID, Metrics, Logger, CORS, Security,
// then per-group RateLimit, Auth, Actor.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/changetrail/changetrail/internal/api/admin"
	"github.com/changetrail/changetrail/internal/api/entries"
	"github.com/changetrail/changetrail/internal/api/events"
	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/jobs"
	"github.com/changetrail/changetrail/internal/middleware"
	"github.com/changetrail/changetrail/pkg/auditlog"
)

// BackgroundServices holds references to background workers and resources
// that must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	registry     *auditlog.Registry
	retentionJob *jobs.RetentionJob
	shipper      audit.Shipper
	rateLimiters []*middleware.RateLimiter
	redisClient  *redis.Client
}

// Registry exposes the audit registry, used by cmd/server for config reloads.
func (bg *BackgroundServices) Registry() *auditlog.Registry {
	return bg.registry
}

// ApplyAuditConfig pushes a reloaded audit configuration into the running
// registry and retention job. Resource registrations are fixed at startup;
// only the flags and the retention window are hot-swappable.
func (bg *BackgroundServices) ApplyAuditConfig(cfg *config.AuditConfig) {
	if cfg.Enabled {
		bg.registry.EnableAll(false)
	} else {
		bg.registry.DisableAll(false)
	}
	bg.registry.SetCreateEnabled(cfg.LogCreate)
	bg.registry.SetUpdateEnabled(cfg.LogUpdate)
	bg.registry.SetDeleteEnabled(cfg.LogDelete)
	bg.retentionJob.UpdateConfig(cfg.Retention)
	slog.Info("applied audit configuration",
		"enabled", cfg.Enabled,
		"log_create", cfg.LogCreate,
		"log_update", cfg.LogUpdate,
		"log_delete", cfg.LogDelete,
		"retention_enabled", cfg.Retention.Enabled)
}

// Shutdown stops all background goroutines and closes shippers. It should be
// called after the HTTP server has been shut down so that in-flight requests
// are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Error("failed to close audit shippers", "error", err)
		}
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, database *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	sqlxDB := sqlx.NewDb(database, "postgres")
	repo := repositories.NewLogEntryRepository(sqlxDB)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		log.Fatalf("Failed to initialize audit shippers: %v", err)
	}
	store := audit.NewShippingStore(repo, shipper)

	registry, err := buildRegistry(&cfg.Audit, store)
	if err != nil {
		log.Fatalf("Failed to build audit registry: %v", err)
	}
	slog.Info("audit registry initialized",
		"resources", len(registry.Resources()),
		"enabled", cfg.Audit.Enabled)

	retentionJob := jobs.NewRetentionJob(repo, cfg.Audit.Retention)
	retentionJob.Start(context.Background())

	bg := &BackgroundServices{
		registry:     registry,
		retentionJob: retentionJob,
		shipper:      shipper,
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(database))
	router.GET("/ready", readinessHandler(database))
	router.GET("/version", versionHandler())

	// Rate limiting: Redis-backed GCRA when a shared Redis is configured so
	// limits hold across replicas, in-process token buckets otherwise.
	var ingestLimit, generalLimit gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		if cfg.Redis.Enabled {
			bg.redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			ingestLimit = middleware.RedisRateLimitMiddleware(bg.redisClient, middleware.IngestRateLimitConfig())
			generalLimit = middleware.RedisRateLimitMiddleware(bg.redisClient, middleware.DefaultRateLimitConfig())
		} else {
			ingestLimiter := middleware.NewRateLimiter(middleware.IngestRateLimitConfig())
			generalLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
			bg.rateLimiters = []*middleware.RateLimiter{ingestLimiter, generalLimiter}
			ingestLimit = middleware.RateLimitMiddleware(ingestLimiter)
			generalLimit = middleware.RateLimitMiddleware(generalLimiter)
		}
	}

	authMW := middleware.AuthMiddleware(&cfg.Auth)

	eventsHandler := events.NewHandler(registry)
	entriesHandler := entries.NewHandler(repo, registry)
	adminHandler := admin.NewHandler(repo, registry)

	apiV1 := router.Group("/api/v1")

	// Write side.
	ingest := apiV1.Group("/events")
	if ingestLimit != nil {
		ingest.Use(ingestLimit)
	}
	ingest.Use(authMW)
	ingest.Use(middleware.ActorMiddleware())
	{
		ingest.POST("", eventsHandler.Ingest)
	}

	// Read and operator side.
	query := apiV1.Group("")
	if generalLimit != nil {
		query.Use(generalLimit)
	}
	query.Use(authMW)
	{
		query.GET("/entries", entriesHandler.List)
		query.GET("/entries/:id", entriesHandler.Get)
		query.GET("/objects/:resource/:pk/history", entriesHandler.History)
		query.GET("/resources", entriesHandler.Resources)
		query.GET("/resources/:resource/history", entriesHandler.ResourceHistory)
		query.GET("/stats", adminHandler.Stats)
		query.GET("/verify", adminHandler.Verify)
		query.GET("/flags", adminHandler.GetFlags)
		query.PUT("/flags", adminHandler.UpdateFlags)
	}

	return router, bg
}

// buildRegistry constructs the audit registry from configuration: the enable
// flags become registry options and each declared resource is registered with
// its field filtering.
func buildRegistry(cfg *config.AuditConfig, store auditlog.Store) (*auditlog.Registry, error) {
	var regOpts []auditlog.RegistryOption
	if !cfg.Enabled {
		regOpts = append(regOpts, auditlog.Inert())
	}
	if !cfg.LogCreate {
		regOpts = append(regOpts, auditlog.WithoutCreate())
	}
	if !cfg.LogUpdate {
		regOpts = append(regOpts, auditlog.WithoutUpdate())
	}
	if !cfg.LogDelete {
		regOpts = append(regOpts, auditlog.WithoutDelete())
	}

	registry := auditlog.NewRegistry(store, regOpts...)

	for _, rc := range cfg.Resources {
		var opts []auditlog.Option
		if len(rc.IncludeFields) > 0 {
			opts = append(opts, auditlog.WithIncludedFields(rc.IncludeFields...))
		}
		if len(rc.ExcludeFields) > 0 {
			opts = append(opts, auditlog.WithExcludedFields(rc.ExcludeFields...))
		}
		for field, display := range rc.MappedFields {
			opts = append(opts, auditlog.WithMappedField(field, display))
		}
		if _, err := registry.Register(rc.Name, opts...); err != nil {
			return nil, fmt.Errorf("failed to register resource %q: %w", rc.Name, err)
		}
	}
	return registry, nil
}

// healthCheckHandler returns the health status of the service.
func healthCheckHandler(database *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := database.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service. The audit
// trail cannot accept events without its database, so readiness is exactly
// database connectivity.
func readinessHandler(database *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := database.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Audit-Actor")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
