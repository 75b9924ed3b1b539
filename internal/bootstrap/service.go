package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/contract-extractor/config"
	"github.com/feichai0017/contract-extractor/internal/service/document"
	"github.com/feichai0017/contract-extractor/internal/utils/validator"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
	"github.com/feichai0017/contract-extractor/pkg/storage"
)

// Service is the job service together with the resources it holds open.
type Service struct {
	*document.DocumentService
	Engine *Engine

	queue *queue.AsynqQueue
	redis *redis.Client
}

// NewDocumentService connects storage, redis and the queue, builds the
// engine and returns the job service on top of them.
func NewDocumentService(ctx context.Context, log logger.Logger) (*Service, error) {
	serverCfg := config.GetServerConfig()
	redisCfg := config.GetRedisConfig()

	settings, err := config.GetExtractionConfig()
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(ctx, settings, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction engine: %w", err)
	}

	store, err := storage.NewStorage(ctx, storage.StorageType(serverCfg.StorageType), log)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		engine.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Addr, err)
	}

	vcfg := validator.DefaultConfig()
	vcfg.MaxFileSize = serverCfg.MaxUploadSize

	q := queue.GetQueue()
	svc := document.NewService(
		engine.Coordinator,
		validator.NewDocumentValidator(log, vcfg),
		q,
		store,
		// records outlive the stored files by a day so cleanup finds them
		document.NewRedisJobStore(rdb, serverCfg.JobRetention+24*time.Hour),
		log,
		&document.ServiceConfig{
			Defaults:        engine.Defaults,
			QueuePriority:   2,
			RetentionPeriod: serverCfg.JobRetention,
		},
	)

	return &Service{
		DocumentService: svc,
		Engine:          engine,
		queue:           q,
		redis:           rdb,
	}, nil
}

func (s *Service) Close() error {
	return errors.Join(s.queue.Close(), s.redis.Close(), s.Engine.Close())
}
