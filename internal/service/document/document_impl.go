package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/contract-extractor/internal/agent/strategy"
	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/service/extraction"
	"github.com/feichai0017/contract-extractor/internal/utils/validator"
	"github.com/feichai0017/contract-extractor/pkg/converters"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
	"github.com/feichai0017/contract-extractor/pkg/storage"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Extractor runs one document through the engine.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input, cfg models.ExtractionConfig) (*models.ExtractionResult, error)
}

type ServiceConfig struct {
	Defaults        models.ExtractionConfig
	QueuePriority   int
	RetentionPeriod time.Duration
}

type DocumentService struct {
	extractor Extractor
	validator *validator.DocumentValidator
	queue     queue.Queue
	storage   storage.Storage
	jobs      JobStore
	logger    logger.Logger
	config    *ServiceConfig
	now       func() time.Time
}

type extractionPayload struct {
	JobID string `json:"jobId"`
}

func NewService(
	extractor Extractor,
	v *validator.DocumentValidator,
	q queue.Queue,
	store storage.Storage,
	jobs JobStore,
	log logger.Logger,
	cfg *ServiceConfig,
) *DocumentService {
	if cfg == nil {
		cfg = &ServiceConfig{
			Defaults:        models.DefaultExtractionConfig(),
			QueuePriority:   2,
			RetentionPeriod: 7 * 24 * time.Hour,
		}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if v == nil {
		v = validator.NewDocumentValidator(log, nil)
	}
	return &DocumentService{
		extractor: extractor,
		validator: v,
		queue:     q,
		storage:   store,
		jobs:      jobs,
		logger:    log.Named("documents"),
		config:    cfg,
		now:       time.Now,
	}
}

func UploadKey(jobID, ext string) string { return "uploads/" + jobID + strings.ToLower(ext) }
func ResultKey(jobID string) string      { return "results/" + jobID + ".json" }

// ResolveConfig applies per-request overrides to the defaults and rejects
// incompatible combinations before anything is stored.
func (s *DocumentService) ResolveConfig(method, mode, engine string) (models.ExtractionConfig, error) {
	cfg, err := s.config.Defaults.WithOverrides(method, mode, engine)
	if err != nil {
		return cfg, err
	}
	return cfg, strategy.ValidateConfig(cfg)
}

func (s *DocumentService) Submit(ctx context.Context, req SubmitRequest) (*models.ExtractionJob, error) {
	log := logger.FromContext(ctx, s.logger)
	log.Info("Starting upload",
		logger.String("filename", req.FileName),
		logger.Int("size", len(req.Data)),
	)

	cfg, err := s.ResolveConfig(req.Method, req.Mode, req.OCREngine)
	if err != nil {
		return nil, err
	}
	check := s.validator.Validate(req.FileName, req.Data)
	if err := check.Err(); err != nil {
		return nil, err
	}
	info := check.FileInfo
	fileType, _ := models.FileTypeFromExtension(info.Extension)

	now := s.now()
	job := &models.ExtractionJob{
		ID:        uuid.New().String(),
		Status:    models.JobPending,
		FileName:  info.Filename,
		FileType:  fileType,
		FileSize:  info.Size,
		FileHash:  info.Hash,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.UploadKey = UploadKey(job.ID, info.Extension)
	log = log.With(logger.String("jobId", job.ID))

	if _, err := s.storage.Store(ctx, bytes.NewReader(req.Data), job.UploadKey); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		s.discardUpload(ctx, job)
		return nil, err
	}

	payload, err := json.Marshal(extractionPayload{JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	task := &queue.Task{
		ID:        job.ID,
		Type:      queue.TaskTypeExtraction,
		Priority:  s.config.QueuePriority,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		log.Error("Failed to enqueue job", logger.Error(err))
		s.discardUpload(ctx, job)
		if delErr := s.jobs.Delete(ctx, job.ID); delErr != nil {
			log.Warn("failed to delete job record", logger.Error(delErr))
		}
		return nil, err
	}

	log.Info("Extraction job created",
		logger.String("config", cfg.String()),
		logger.String("hash", info.Hash),
	)
	return job, nil
}

func (s *DocumentService) discardUpload(ctx context.Context, job *models.ExtractionJob) {
	if err := s.storage.Delete(ctx, job.UploadKey); err != nil {
		s.logger.Warn("failed to delete upload",
			logger.String("jobId", job.ID),
			logger.Error(err),
		)
	}
}

// errJobFinished stops a record update when the job already reached a
// terminal state.
var errJobFinished = errors.New("job already finished")

// HandleExtraction runs a queued job. A job that reached a terminal state
// before the worker picked it up is skipped. Internal errors leave the job
// pending so the next delivery can pick it up again.
func (s *DocumentService) HandleExtraction(ctx context.Context, task *queue.Task) error {
	var p extractionPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.JobID == "" {
		return apperrors.Validation("invalid extraction task %s", task.ID)
	}
	ctx = logger.WithJobID(ctx, p.JobID)
	log := logger.FromContext(ctx, s.logger)

	started := s.now()
	job, err := s.jobs.Update(ctx, p.JobID, func(job *models.ExtractionJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s", errJobFinished, job.Status)
		}
		job.Status = models.JobProcessing
		job.StartedAt = &started
		job.UpdatedAt = started
		return nil
	})
	if errors.Is(err, errJobFinished) {
		log.Info("Skipping finished job", logger.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	data, err := s.read(ctx, job.UploadKey)
	if err != nil {
		return s.abort(ctx, task, job.ID, err)
	}
	result, err := s.extractor.Extract(ctx, extraction.Input{FileName: job.FileName, Data: data}, job.Config)
	if err != nil {
		return s.abort(ctx, task, job.ID, err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return s.abort(ctx, task, job.ID, fmt.Errorf("failed to marshal result: %w", err))
	}
	key, err := s.storage.Store(ctx, bytes.NewReader(body), ResultKey(job.ID))
	if err != nil {
		return s.abort(ctx, task, job.ID, err)
	}

	done := s.now()
	_, err = s.jobs.Update(ctx, job.ID, func(job *models.ExtractionJob) error {
		// Cancel may have landed while the last stage ran.
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s", errJobFinished, job.Status)
		}
		job.Status = models.JobCompleted
		job.ResultKey = key
		job.Warnings = result.Warnings
		job.Error = nil
		job.CompletedAt = &done
		job.UpdatedAt = done
		return nil
	})
	if errors.Is(err, errJobFinished) {
		log.Info("Job finished during extraction, dropping result", logger.Error(err))
		if delErr := s.storage.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			log.Warn("failed to delete result", logger.Error(delErr))
		}
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("Extraction completed",
		logger.Int("fieldsFound", result.Stats.FieldsFound),
		logger.Int("warnings", len(result.Warnings)),
		logger.Duration("elapsed", done.Sub(started)),
	)
	return nil
}

// abort settles a run that stopped on err. Internal errors with deliveries
// left put the job back to pending; everything else is recorded by fail.
func (s *DocumentService) abort(ctx context.Context, task *queue.Task, jobID string, err error) error {
	if apperrors.KindOf(err) != apperrors.KindInternal || task.LastAttempt() {
		return s.fail(ctx, jobID, err)
	}

	log := logger.FromContext(ctx, s.logger)
	log.Warn("Extraction interrupted, will retry",
		logger.Int("retried", task.Retried),
		logger.Int("maxRetry", task.MaxRetry),
		logger.Error(err),
	)
	now := s.now()
	_, updErr := s.jobs.Update(context.WithoutCancel(ctx), jobID, func(job *models.ExtractionJob) error {
		if job.Status.Terminal() {
			return errJobFinished
		}
		job.Status = models.JobPending
		job.StartedAt = nil
		job.Error = newJobError(err)
		job.UpdatedAt = now
		return nil
	})
	if updErr != nil && !errors.Is(updErr, errJobFinished) {
		log.Error("Failed to reset job for retry", logger.Error(updErr))
	}
	return err
}

// fail records err on the job and returns it. The record is written even
// when ctx is already cancelled, and a job that already finished keeps its
// state.
func (s *DocumentService) fail(ctx context.Context, jobID string, err error) error {
	jobErr := newJobError(err)
	logger.FromContext(ctx, s.logger).Error("Extraction failed",
		logger.String("kind", jobErr.Kind),
		logger.String("stage", jobErr.Stage),
		logger.Error(err),
	)

	now := s.now()
	_, updErr := s.jobs.Update(context.WithoutCancel(ctx), jobID, func(job *models.ExtractionJob) error {
		if job.Status.Terminal() {
			return errJobFinished
		}
		job.Status = models.JobFailed
		if jobErr.Kind == string(apperrors.KindCancelled) {
			job.Status = models.JobCancelled
		}
		job.Error = jobErr
		job.CompletedAt = &now
		job.UpdatedAt = now
		return nil
	})
	if updErr != nil && !errors.Is(updErr, errJobFinished) {
		s.logger.Error("Failed to save job failure", logger.Error(updErr))
	}
	return err
}

func newJobError(err error) *models.JobError {
	jobErr := &models.JobError{Kind: string(apperrors.KindOf(err)), Message: err.Error()}
	if e, ok := apperrors.As(err); ok {
		jobErr.Stage = e.Stage
		jobErr.Page = e.Page
	}
	return jobErr
}

func (s *DocumentService) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *DocumentService) GetStatus(ctx context.Context, jobID string) (*models.ExtractionJob, error) {
	return s.jobs.Get(ctx, jobID)
}

func (s *DocumentService) GetResult(ctx context.Context, jobID string) (*converters.ProcessedDocument, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobCompleted:
	case models.JobFailed:
		msg := "unknown error"
		if job.Error != nil {
			msg = job.Error.Message
		}
		return nil, apperrors.Validation("job %s failed: %s", jobID, msg)
	default:
		return nil, apperrors.Validation("job %s is %s", jobID, job.Status)
	}

	data, err := s.read(ctx, job.ResultKey)
	if err != nil {
		return nil, err
	}
	var result models.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return converters.NewProcessedDocument(job, &result), nil
}

func (s *DocumentService) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	return s.jobs.List(ctx, opts)
}

// CancelJob marks a pending or processing job cancelled and withdraws its
// task. A running extraction stops at its next stage boundary and its
// result is discarded.
func (s *DocumentService) CancelJob(ctx context.Context, jobID string) (*models.ExtractionJob, error) {
	now := s.now()
	job, err := s.jobs.Update(ctx, jobID, func(job *models.ExtractionJob) error {
		if job.Status.Terminal() {
			return apperrors.Validation("job %s is already %s", jobID, job.Status)
		}
		job.Status = models.JobCancelled
		job.CompletedAt = &now
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Cancel(ctx, jobID); err != nil {
		s.logger.Warn("failed to withdraw task",
			logger.String("jobId", jobID),
			logger.Error(err),
		)
	}
	s.logger.Info("Job cancelled", logger.String("jobId", jobID))
	return job, nil
}

// CleanupJobs removes stored objects and finished job records older than
// the retention period.
func (s *DocumentService) CleanupJobs(ctx context.Context) (*CleanupReport, error) {
	threshold := s.now().Add(-s.config.RetentionPeriod)
	report := &CleanupReport{}

	n, err := s.storage.CleanupBefore(ctx, threshold)
	report.ObjectsDeleted = n
	if err != nil {
		return report, fmt.Errorf("failed to cleanup storage: %w", err)
	}

	list, err := s.jobs.List(ctx, ListOptions{})
	if err != nil {
		return report, err
	}
	for _, job := range list.Jobs {
		if !job.Status.Terminal() || !job.UpdatedAt.Before(threshold) {
			continue
		}
		if err := s.jobs.Delete(ctx, job.ID); err != nil {
			s.logger.Warn("failed to delete job record", logger.String("jobId", job.ID), logger.Error(err))
			continue
		}
		report.JobsDeleted++
	}

	s.logger.Info("Completed jobs cleanup",
		logger.Time("threshold", threshold),
		logger.Int("objects", report.ObjectsDeleted),
		logger.Int("jobs", report.JobsDeleted),
	)
	return report, nil
}
