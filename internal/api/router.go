package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/claimexport/internal/api/handler"
	"github.com/timmy/claimexport/internal/api/middleware"
	"github.com/timmy/claimexport/internal/config"
	"github.com/timmy/claimexport/internal/logger"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	exportHandler *handler.ExportHandler,
	healthHandler *handler.HealthHandler,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		exports := v1.Group("/exports")
		exports.POST("", exportHandler.Start)
		exports.DELETE("", exportHandler.Reset)
		exports.POST("/resume", exportHandler.Resume)
		exports.GET("/status", exportHandler.Status)
		exports.GET("/download", exportHandler.Download)
		exports.POST("/publish", exportHandler.Publish)
	}

	return r
}
