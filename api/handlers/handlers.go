package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/contract-extractor/internal/service/document"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

const Version = "1.0.0"

type Handlers struct {
	Extraction *ExtractionHandler
}

func NewHandlers(
	documentService document.DocumentProcessor,
	maxUploadSize int64,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Extraction: NewExtractionHandler(documentService, maxUploadSize, logger),
	}
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
