// Package worker consumes extraction tasks from asynq.
package worker

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/contract-extractor/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	RedisOpt    asynq.RedisClientOpt
	Concurrency int
	Queues      map[string]int
	// CleanupSpec schedules storage cleanup, e.g. "@daily". Empty disables it.
	CleanupSpec string
}

type BaseWorker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    logger.Logger
	stopOnce  sync.Once
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
	})
	return nil
}
