package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/service/document"
	"github.com/feichai0017/contract-extractor/pkg/converters"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

type ExtractionHandler struct {
	service       document.DocumentProcessor
	logger        logger.Logger
	maxUploadSize int64
}

// UploadResponse answers an accepted upload.
type UploadResponse struct {
	JobID     string                  `json:"jobId"`
	Status    models.JobStatus        `json:"status"`
	Filename  string                  `json:"filename"`
	FileSize  int64                   `json:"fileSize"`
	FileType  models.FileType         `json:"fileType"`
	Config    models.ExtractionConfig `json:"config"`
	CreatedAt string                  `json:"createdAt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewExtractionHandler(service document.DocumentProcessor, maxUploadSize int64, log logger.Logger) *ExtractionHandler {
	return &ExtractionHandler{
		service:       service,
		logger:        log.Named("api"),
		maxUploadSize: maxUploadSize,
	}
}

// Upload accepts a multipart "file" plus optional extraction_method,
// llm_processing_mode and ocr_engine overrides.
func (h *ExtractionHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		// room for the multipart envelope around the file
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, apperrors.Validation("invalid file upload: %v", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.handleError(c, apperrors.Validation("failed to read upload: %v", err))
		return
	}

	job, err := h.service.Submit(c.Request.Context(), document.SubmitRequest{
		FileName:  header.Filename,
		Data:      data,
		Method:    c.PostForm("extraction_method"),
		Mode:      c.PostForm("llm_processing_mode"),
		OCREngine: c.PostForm("ocr_engine"),
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, UploadResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Filename:  job.FileName,
		FileSize:  job.FileSize,
		FileType:  job.FileType,
		Config:    job.Config,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

func (h *ExtractionHandler) GetStatus(c *gin.Context) {
	job, err := h.service.GetStatus(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetResult returns the result as JSON, or YAML with ?format=yaml.
func (h *ExtractionHandler) GetResult(c *gin.Context) {
	jobID := c.Param("jobId")
	format, err := converters.ParseFormat(c.DefaultQuery("format", "json"))
	if err != nil {
		h.handleError(c, apperrors.Validation("%v", err))
		return
	}
	conv, err := converters.NewConverter(format)
	if err != nil {
		h.handleError(c, apperrors.Validation("%v", err))
		return
	}

	result, err := h.service.GetResult(c.Request.Context(), jobID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	body, err := conv.Convert(result)
	if err != nil {
		h.handleError(c, err)
		return
	}

	if c.Query("download") != "" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=result_%s%s", jobID, conv.Extension()))
	}
	c.Data(http.StatusOK, conv.ContentType(), body)
}

func (h *ExtractionHandler) CancelJob(c *gin.Context) {
	job, err := h.service.CancelJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Job cancelled successfully",
		"jobId":   job.ID,
		"status":  job.Status,
	})
}

// ListJobs supports ?status=, ?offset= and ?limit=.
func (h *ExtractionHandler) ListJobs(c *gin.Context) {
	var opts document.ListOptions
	if s := c.Query("status"); s != "" {
		status, ok := models.ParseJobStatus(s)
		if !ok {
			h.handleError(c, apperrors.Validation("unknown job status %q", s))
			return
		}
		opts.Status = status
	}
	var err error
	if opts.Offset, err = queryInt(c, "offset"); err != nil {
		h.handleError(c, err)
		return
	}
	if opts.Limit, err = queryInt(c, "limit"); err != nil {
		h.handleError(c, err)
		return
	}

	list, err := h.service.ListJobs(c.Request.Context(), opts)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}

func (h *ExtractionHandler) handleError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Warn("request rejected", fields...)
	}

	resp := ErrorResponse{Error: string(apperrors.KindOf(err)), Message: err.Error()}
	if e, ok := apperrors.As(err); ok && e.Message != "" {
		resp.Message = e.Message
	}
	c.AbortWithStatusJSON(status, resp)
}
