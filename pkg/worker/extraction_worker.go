package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/contract-extractor/internal/service/document"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
)

const TaskTypeCleanup = "extraction:cleanup"

// Service is the part of the document service the worker drives.
type Service interface {
	HandleExtraction(ctx context.Context, task *queue.Task) error
	CleanupJobs(ctx context.Context) (*document.CleanupReport, error)
}

type ExtractionWorker struct {
	BaseWorker
	service Service
}

func NewExtractionWorker(cfg *Config, service Service, log logger.Logger) (*ExtractionWorker, error) {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.Queues
	}
	w := &ExtractionWorker{
		BaseWorker: BaseWorker{
			server: asynq.NewServer(cfg.RedisOpt, asynq.Config{
				Concurrency: cfg.Concurrency,
				Queues:      queues,
				RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
					return time.Duration(n) * time.Minute
				},
			}),
			mux:    asynq.NewServeMux(),
			logger: log.Named("worker"),
		},
		service: service,
	}

	if cfg.CleanupSpec != "" {
		w.scheduler = asynq.NewScheduler(cfg.RedisOpt, nil)
		if _, err := w.scheduler.Register(cfg.CleanupSpec, asynq.NewTask(TaskTypeCleanup, nil, asynq.Queue(queue.QueueLow))); err != nil {
			return nil, fmt.Errorf("failed to schedule cleanup: %w", err)
		}
	}

	w.registerHandlers()
	return w, nil
}

func (w *ExtractionWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeExtraction, w.handleExtraction)
	w.mux.HandleFunc(TaskTypeCleanup, w.handleCleanup)
}

// handleExtraction runs one job. Failures already recorded on the job are
// not redelivered; asynq retries only internal errors, and the service keeps
// such jobs pending until the last delivery.
func (w *ExtractionWorker) handleExtraction(ctx context.Context, t *asynq.Task) error {
	task, err := queue.Decode(t.Payload())
	if err != nil {
		w.logger.Error("Dropping malformed task", logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	task.Retried, _ = asynq.GetRetryCount(ctx)
	task.MaxRetry, _ = asynq.GetMaxRetry(ctx)
	log := w.logger.With(logger.String("jobId", task.ID))
	log.Info("Processing extraction task",
		logger.Int("retried", task.Retried),
		logger.Int("maxRetry", task.MaxRetry),
	)

	if err := w.service.HandleExtraction(ctx, task); err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

func (w *ExtractionWorker) handleCleanup(ctx context.Context, _ *asynq.Task) error {
	report, err := w.service.CleanupJobs(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("Cleanup finished",
		logger.Int("objects", report.ObjectsDeleted),
		logger.Int("jobs", report.JobsDeleted),
	)
	return nil
}

func (w *ExtractionWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}
