package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/common/storage"
	"fuzoj/internal/judge/artifact"
	judgecache "fuzoj/internal/judge/cache"
	"fuzoj/internal/judge/httpapi"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/persistence"
	"fuzoj/internal/judge/sandbox"
	"fuzoj/internal/judge/worker"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "config.json"
	defaultShutdownTimeout = 10 * time.Second
	defaultHeartbeat       = 240 * time.Second
	dbConnectRetries       = 10
	dbConnectBackoff       = 3 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the language and judge config file")
	flag.Parse()

	appCfg, err := model.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(logger.Config{
		Level:      envOr("LOG_LEVEL", "info"),
		Format:     envOr("LOG_FORMAT", "json"),
		OutputPath: envOr("LOG_OUTPUT", "stdout"),
		ErrorPath:  envOr("LOG_ERROR_OUTPUT", "stderr"),
		Service:    "judge-service",
		Env:        envOr("APP_ENV", "production"),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	database, err := connectPostgres(ctx, appCfg.PostgresURL)
	if err != nil {
		logger.Error(ctx, "init postgres failed", zap.Error(err))
		return
	}
	defer func() { _ = database.Close() }()

	queue, err := mq.NewRabbitMQ(mq.DefaultRabbitMQConfig(appCfg.RabbitMQURL))
	if err != nil {
		logger.Error(ctx, "init rabbitmq failed", zap.Error(err))
		return
	}
	defer func() { _ = queue.Close() }()

	var objStorage storage.ObjectStorage
	var lock cache.LockOps
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
			Bucket:    appCfg.TaskCacheBucket,
		})
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
		objStorage = minioStorage

		if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
			redisCache, err := cache.NewRedisCache(redisAddr)
			if err != nil {
				logger.Error(ctx, "init redis failed", zap.Error(err))
				return
			}
			defer func() { _ = redisCache.Close() }()
			lock = redisCache
		}
	}

	taskCache := judgecache.NewTaskAssetCache(appCfg.TaskCacheRoot, appCfg.TaskCacheBucket, time.Hour, 64, 0, objStorage, lock)
	archiver := artifact.NewArchiver(objStorage, appCfg.ArtifactBucket)
	driver := sandbox.NewDriver(appCfg.TaskCacheRoot, envOr("CHECKER_ROOT", "checker"))
	repo := persistence.NewSubmissionRepository(database)

	go repo.RunHeartbeat(ctx, defaultHeartbeat, func() {
		logger.Error(ctx, "database heartbeat failed, exiting for supervisor restart")
		os.Exit(1)
	})

	pool := &worker.Pool{
		Queue:      queue,
		Config:     appCfg,
		Driver:     driver,
		TaskCache:  taskCache,
		Repository: repo,
		Archiver:   archiver,
	}
	if err := pool.Start(ctx); err != nil {
		logger.Error(ctx, "start worker pool failed", zap.Error(err))
		return
	}

	statusHandler := &httpapi.StatusHandler{Repository: repo}
	router := httpapi.NewRouter(statusHandler)
	listener, err := net.Listen("tcp", appCfg.StatusHTTPAddr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}
	httpServer := &http.Server{Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "status http server started", zap.String("addr", appCfg.StatusHTTPAddr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdown); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	_ = queue.Stop()
}

// connectPostgres retries the initial connection up to dbConnectRetries
// times, dbConnectBackoff apart: the database may still be starting up
// when this process does.
func connectPostgres(ctx context.Context, dsn string) (*db.PostgreSQL, error) {
	var lastErr error
	for attempt := 0; attempt < dbConnectRetries; attempt++ {
		database, err := db.NewPostgreSQL(dsn)
		if err == nil {
			return database, nil
		}
		lastErr = err
		logger.Warn(ctx, "postgres connect failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(dbConnectBackoff)
	}
	return nil, lastErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
