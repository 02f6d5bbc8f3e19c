// Package main runs the live broadcast HTTP server with WebSocket push and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mediaoffice/liveportal/config"
	"github.com/mediaoffice/liveportal/internal/archive"
	"github.com/mediaoffice/liveportal/internal/auth"
	"github.com/mediaoffice/liveportal/internal/broadcast"
	"github.com/mediaoffice/liveportal/internal/chat"
	"github.com/mediaoffice/liveportal/internal/middleware"
	"github.com/mediaoffice/liveportal/internal/realtime"
	"github.com/mediaoffice/liveportal/internal/signaling"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/internal/stream"
	"github.com/mediaoffice/liveportal/internal/supervisor"
	"github.com/mediaoffice/liveportal/pkg/database"
	"github.com/mediaoffice/liveportal/pkg/queue"
	"github.com/mediaoffice/liveportal/pkg/redis"
	"github.com/mediaoffice/liveportal/pkg/response"
	"github.com/mediaoffice/liveportal/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	backend, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis disabled", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	var hub *realtime.Hub
	var jobQueue *queue.Queue
	if rdb != nil {
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
		jobQueue = queue.NewQueue(rdb.Client, logger)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
	}

	broadcastOpts := broadcast.Options{
		StaleAfter:    cfg.Broadcast.StaleAfter,
		SweepOnStatus: cfg.Broadcast.SweepOnStatus,
		ShareLink:     cfg.Server.ShareLink,
		Publisher:     hub,
	}
	if jobQueue != nil && s3Client != nil {
		broadcastOpts.Archiver = jobQueue
	}
	broadcastSvc := broadcast.NewService(backend, logger, broadcastOpts)
	chatSvc := chat.NewService(backend, logger, chat.Options{
		PageDefault: cfg.Broadcast.ChatPageDefault,
		PageMax:     cfg.Broadcast.ChatPageMax,
		ReactionCap: cfg.Broadcast.ReactionCap,
		Publisher:   hub,
	})
	signalingSvc := signaling.NewService(backend, logger, signaling.Options{
		Batch:     cfg.Broadcast.SignalBatch,
		Publisher: hub,
	})
	streamCfg := stream.Config{
		ICEURLs:       cfg.WebRTC.ICEUrls,
		HLSBaseURL:    cfg.WebRTC.HLSBaseURL,
		DemoStreamURL: cfg.WebRTC.DemoStreamURL,
	}
	if s3Client != nil {
		streamCfg.S3Region = cfg.AWS.Region
		streamCfg.S3Bucket = cfg.AWS.ArchiveBucket
	}
	streamBuilder := stream.NewBuilder(backend, signalingSvc, streamCfg, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	broadcastHandler := broadcast.NewHandler(broadcastSvc, logger)
	chatHandler := chat.NewHandler(chatSvc, logger)
	signalingHandler := signaling.NewHandler(signalingSvc, logger)
	streamHandler := stream.NewHandler(streamBuilder, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), cfg.Store.Timeout)
		defer cancel()
		if err := backend.Ping(pingCtx); err != nil {
			response.ServiceUnavailable(c, "store unreachable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "store": backend.Name(), "breaker": backend.State().String()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	bc := router.Group("/broadcast")
	{
		admin := bc.Group("", middleware.JWT(jwtService), middleware.RequireAdmin())
		admin.POST("/start", broadcastHandler.Start)
		admin.POST("/pause", broadcastHandler.Pause)
		admin.POST("/resume", broadcastHandler.Resume)
		admin.POST("/stop", broadcastHandler.Stop)
		admin.DELETE("/heartbeat", broadcastHandler.Sweep)
		admin.DELETE("/chat", chatHandler.Delete)

		bc.GET("/status", broadcastHandler.Status)
		bc.POST("/heartbeat", middleware.RateLimit(limiter), broadcastHandler.Heartbeat)
		bc.POST("/join", broadcastHandler.Join)
		bc.PATCH("/participants/:participantId", broadcastHandler.UpdateParticipant)
		bc.GET("/chat", chatHandler.List)
		bc.POST("/chat", chatHandler.Send)
	}

	st := router.Group("/stream/:id")
	{
		st.GET("", streamHandler.Describe)
		st.POST("", streamHandler.Dispatch)
		st.POST("/webrtc/signaling", middleware.RateLimit(limiter), signalingHandler.Send)
		st.GET("/webrtc/signaling", middleware.RateLimit(limiter), signalingHandler.Poll)
	}

	router.GET("/ws", realtime.ServeWs(hub, logger, broadcastSvc))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background services: stale sweep and, with Redis and S3, session archiving.
	sup := supervisor.New("liveportal", logger, supervisor.Config{})
	sup.Add(broadcast.NewSweeper(broadcastSvc, cfg.Broadcast.SweepInterval, logger))
	if jobQueue != nil && s3Client != nil {
		sup.Add(archive.NewProcessor(backend, s3Client, jobQueue, cfg.AWS.ArchiveBucket, logger))
		logger.Info("archive worker enabled", zap.String("bucket", cfg.AWS.ArchiveBucket))
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	supDone := sup.ServeBackground(bgCtx)
	go limiter.Cleanup(bgCtx, 10*time.Minute)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	bgCancel()
	<-supDone
	logger.Info("server stopped")
}

// openStore wires Mongo as the primary and Badger as the local fallback.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Fallback, func()) {
	client, err := database.NewMongoClient(ctx, cfg.Mongo.URI, cfg.Store.Timeout, logger)
	if client == nil {
		logger.Fatal("mongo", zap.Error(err))
	}
	if err != nil {
		logger.Warn("mongo unreachable at startup, serving from fallback until it recovers", zap.Error(err))
	}
	primary := store.NewMongo(client.Database(cfg.Mongo.Database), cfg.Store.Timeout)
	if err == nil {
		if err := primary.Migrate(ctx, cfg.Broadcast.SignalTTL); err != nil {
			logger.Warn("mongo index migration failed", zap.Error(err))
		}
	}

	var secondary store.Backend
	if cfg.Fallback.Enabled {
		db, err := database.OpenBadger(cfg.Fallback.Dir, cfg.Fallback.InMemory, logger)
		if err != nil {
			logger.Warn("fallback store disabled", zap.Error(err))
		} else {
			secondary = store.NewBadger(db, cfg.Broadcast.SignalTTL)
		}
	}

	settings := store.DefaultBreakerSettings()
	settings.MinRequests = cfg.Store.BreakerMinRequests
	settings.FailureRate = cfg.Store.BreakerFailureRate
	settings.OpenTimeout = cfg.Store.BreakerOpenTimeout
	backend := store.NewFallback(primary, secondary, settings, logger)

	return backend, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
