package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simRunner/worker/cache"
	"simRunner/worker/cleanup"
	"simRunner/worker/config"
	"simRunner/worker/engine"
	"simRunner/worker/events"
	"simRunner/worker/queue"
	"simRunner/worker/repository"
	"simRunner/worker/service"
	"simRunner/worker/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("Worker Service starting",
		zap.String("engine", cfg.EngineBinary),
		zap.Duration("cancel_grace", cfg.CancelGracePeriod),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		PoolSize:    10,
		PoolTimeout: 5 * time.Second,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	producer, err := events.NewProducer(strings.Split(cfg.KafkaBrokers, ","), cfg.EventsTopic)
	if err != nil {
		logger.Fatal("Failed to connect to kafka", zap.Error(err))
	}
	defer producer.Close()

	repo := repository.NewPostgresRepo(db)
	statusCache := cache.NewStatusCache(redisClient)
	consumer := queue.NewConsumer(redisClient)
	store := storage.NewPaths(cfg.UploadsDir, cfg.ResultsDir, cfg.LogsDir, logger)
	eng := engine.New(cfg.EngineBinary, cfg.CancelGracePeriod, logger)

	processor := service.NewProcessor(repo, statusCache, producer, store, eng, logger)
	dispatcher := service.NewDispatcher(consumer, processor, logger)
	janitor := cleanup.NewJanitor(store, cfg.FileRetention, logger)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CleanupSchedule, janitor.Run); err != nil {
		logger.Fatal("Invalid cleanup schedule", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})

	group.Go(func() error {
		return consumer.SubscribeCancel(groupCtx, processor.HandleCancel)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("Worker stopped unexpectedly", zap.Error(err))
	}

	logger.Info("Worker Service stopped")
}
