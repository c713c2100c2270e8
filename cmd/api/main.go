package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/activity"
	"corkboard/api/internal/app"
	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var publisher activity.Publisher = realtime.NoopPublisher{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err := realtime.NewRedisPublisher(cfg.RedisURL, "rt:")
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
		logger.Info("broadcasting activity over redis")
	} else {
		logger.Info("no redis url configured, activity broadcast disabled")
	}

	scheduler := activity.NewScheduler(activity.SchedulerConfig{
		BatchSize:       cfg.ActivityBatchSize,
		BatchInterval:   cfg.ActivityBatchInterval,
		MaxQueueSize:    cfg.ActivityMaxQueueSize,
		MaxRetries:      cfg.ActivityMaxRetries,
		RetryDelay:      cfg.ActivityRetryDelay,
		RateLimitWindow: cfg.ReorderRateWindow,
		RateLimitMax:    cfg.ReorderRateMax,
	}, dataStore, publisher, logger)

	service := app.New(cfg, dataStore, scheduler, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("corkboard api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	// Drain queued activity events before exiting.
	scheduler.Stop()
}
