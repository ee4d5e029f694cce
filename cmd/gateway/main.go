package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/livegate/internal/archive"
	"github.com/therealutkarshpriyadarshi/livegate/internal/broadcast"
	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/history"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/notify"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tracing"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tuner"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Tracing for the control API
	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer closer.Close()
	}

	// Redis cache for the tuner lineup
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	channels := tuner.NewClient(cfg.Tuner, rdb, logger)

	// Broadcast history database
	db, err := history.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := history.NewRepository(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		logger.Fatalf("Failed to prepare database schema: %v", err)
	}

	// Lifecycle event notifications
	notifier, err := notify.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer notifier.Close()

	// Optional DVR segment archive
	var segmentArchive broadcast.SegmentArchive
	if cfg.Archive.Enabled {
		archiver, err := archive.New(cfg.Archive, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize segment archive: %v", err)
		}
		defer archiver.Close()
		segmentArchive = archiver
	}

	pool := buffer.NewPool(cfg.Transcoder.MaxFileSize)
	registry := broadcast.NewRegistry()
	manager := broadcast.NewManager(&cfg.Transcoder, pool, registry, channels, repo, notifier, segmentArchive, logger)

	api := &API{
		manager: manager,
		history: repo,
		log:     logger,
	}

	router := setupRouter(api, logger, cfg.Tracing.Enabled)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting gateway on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// End the broadcast first so ffmpeg gets its graceful stop before the
	// ingest endpoint goes away.
	manager.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
