package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/contract-extractor/config"
	"github.com/feichai0017/contract-extractor/internal/bootstrap"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
	"github.com/feichai0017/contract-extractor/pkg/worker"
)

func main() {
	serverCfg := config.GetServerConfig()
	redisCfg := config.GetRedisConfig()

	outputs := []string{"stdout"}
	if serverCfg.LogFile != "" {
		outputs = append(outputs, serverCfg.LogFile)
	}
	log, err := logger.NewLogger(
		logger.WithLevel(serverCfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths(outputs),
		logger.WithInitialField("service", "worker"),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bootstrap.NewDocumentService(ctx, log)
	if err != nil {
		log.Error("Failed to create document service", logger.Error(err))
		os.Exit(1)
	}
	defer svc.Close()

	extractionWorker, err := worker.NewExtractionWorker(&worker.Config{
		RedisOpt:    queue.RedisOpt(redisCfg.Addr, redisCfg.Password, redisCfg.DB),
		Concurrency: serverCfg.WorkerConcurrency,
		Queues:      queue.Queues,
		CleanupSpec: "@daily",
	}, svc, log)
	if err != nil {
		log.Error("Failed to create extraction worker", logger.Error(err))
		os.Exit(1)
	}

	if err := extractionWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	extractionWorker.Stop()
	log.Info("Worker stopped")
}
