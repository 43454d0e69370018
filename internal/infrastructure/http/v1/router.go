// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/http/v1/handlers"
	"farmledger/internal/infrastructure/http/v1/middleware"
	"farmledger/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation. When nil, every request runs as DevActor.
	JWTValidator middleware.JWTValidator
	DevActor     string

	// Service is the inventory ledger
	Service *ledger.Service

	// Snapshots serves cached availability; optional
	Snapshots handlers.AvailabilityCache

	// HealthChecks are pinged by /health/ready
	HealthChecks map[string]handlers.Pinger
	Version      string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth)
	healthHandler := handlers.NewHealthHandler(cfg.Version, cfg.HealthChecks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("")
		if cfg.JWTValidator != nil {
			protected.Use(middleware.Auth(cfg.JWTValidator))
		} else {
			protected.Use(middleware.StaticActor(cfg.DevActor))
		}

		inventoryHandler := handlers.NewInventoryHandler(handlers.NewBaseHandler(), cfg.Service, cfg.Snapshots)
		RegisterInventoryRoutes(protected.Group("/inventory"), inventoryHandler)
	}

	return router
}
