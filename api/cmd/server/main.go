package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"simRunner/api/cache"
	"simRunner/api/config"
	"simRunner/api/database"
	"simRunner/api/handlers"
	"simRunner/api/kafka"
	"simRunner/api/middleware"
	"simRunner/api/queue"
	"simRunner/api/repository"
	"simRunner/api/service"
	"simRunner/api/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	logger.Info("API Service starting", zap.String("port", cfg.Port))

	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisCache, err := database.ConnectCache(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	producer, err := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
	if err != nil {
		logger.Fatal("Failed to connect to kafka", zap.Error(err))
	}
	defer producer.Close()

	store, err := storage.NewManager(cfg.UploadsDir, cfg.ResultsDir, cfg.LogsDir, logger)
	if err != nil {
		logger.Fatal("Failed to init storage", zap.Error(err))
	}

	repo := repository.NewPostgresRepo(db)
	statusCache := cache.NewStatusCache(redisCache)
	broker := queue.New(redisCache.Client())

	taskService := service.NewTaskService(repo, broker, statusCache, store, producer, cfg.EventsTopic, logger)
	handler := handlers.NewTaskHandler(taskService, cfg.MaxFileSize, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", handler.Upload)
	mux.HandleFunc("/tasks", handler.List)
	mux.HandleFunc("/tasks/", handler.List)
	mux.HandleFunc("/status/", handler.Status)
	mux.HandleFunc("/logs/", handler.Logs)
	mux.HandleFunc("/download/", handler.Download)
	mux.HandleFunc("/cancel/", handler.Cancel)
	mux.HandleFunc("/stats", handler.Stats)

	authed := middleware.WithIdentity(mux)

	root := http.NewServeMux()
	root.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	root.Handle("/", authed)

	chain := middleware.TraceID(
		middleware.Logging(logger)(
			middleware.Recovery(logger)(root),
		),
	)

	logger.Info("Server started", zap.String("address", ":"+cfg.Port))
	log.Fatal(http.ListenAndServe(":"+cfg.Port, chain))
}
