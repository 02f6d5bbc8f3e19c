// Package main runs the standalone archive worker: ended broadcasts are written to S3 as JSON transcripts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mediaoffice/liveportal/config"
	"github.com/mediaoffice/liveportal/internal/archive"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/internal/supervisor"
	"github.com/mediaoffice/liveportal/pkg/database"
	"github.com/mediaoffice/liveportal/pkg/queue"
	"github.com/mediaoffice/liveportal/pkg/redis"
	"github.com/mediaoffice/liveportal/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required for the archive worker")
	}

	ctx := context.Background()
	client, err := database.NewMongoClient(ctx, cfg.Mongo.URI, cfg.Store.Timeout, logger)
	if err != nil {
		logger.Fatal("mongo", zap.Error(err))
	}
	sessions := store.NewMongo(client.Database(cfg.Mongo.Database), cfg.Store.Timeout)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Close(closeCtx)
	}()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ArchiveBucket:   cfg.AWS.ArchiveBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := archive.NewProcessor(sessions, s3Client, jobQueue, cfg.AWS.ArchiveBucket, logger)

	sup := supervisor.New("liveportal-worker", logger, supervisor.Config{})
	sup.Add(processor)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := sup.ServeBackground(workerCtx)
	logger.Info("worker started", zap.String("bucket", cfg.AWS.ArchiveBucket))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-done
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
