package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/contract-extractor/api/handlers"
	"github.com/feichai0017/contract-extractor/api/middleware"
	"github.com/feichai0017/contract-extractor/config"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

// SetupRoutes registers every endpoint on r.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, cfg *config.ServerConfig, log logger.Logger) {
	r.Use(middleware.RequestID(log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.GET("/health", handlers.HealthCheck)

	v1 := r.Group("/api/v1")
	v1.GET("/health", handlers.HealthCheck)

	if cfg.EnableAuth {
		v1.Use(middleware.APIKeyAuth(cfg.APIKeys))
	}

	extract := v1.Group("/extract")
	{
		extract.POST("/upload", h.Extraction.Upload)
		extract.GET("/status/:jobId", h.Extraction.GetStatus)
		extract.GET("/result/:jobId", h.Extraction.GetResult)
		extract.DELETE("/jobs/:jobId", h.Extraction.CancelJob)
	}
	v1.GET("/jobs", h.Extraction.ListJobs)
}
