package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/storage"
)

func main() {
	_ = godotenv.Load()

	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(&log.JSONFormatter{})
	logger.Info("pointcloud worker starting")

	registry, err := storage.Open(databaseEngine(), databaseDSN())
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer registry.Close()

	rc := redis.NewClient(redisOptions())
	defer rc.Close()

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Fatalf("invalid CACHE_TTL_SECONDS: %v", err)
		}
		cacheTTL = time.Duration(n) * time.Second
	}
	store := storage.NewCache(registry, rc, cacheTTL)

	minioEndpoint := os.Getenv("MINIO_ENDPOINT")
	minioAccessKey := os.Getenv("MINIO_ACCESS_KEY")
	minioSecretKey := os.Getenv("MINIO_SECRET_KEY")
	if minioEndpoint == "" || minioAccessKey == "" || minioSecretKey == "" {
		logger.Fatal("missing minio config")
	}
	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "pointclouds"
	}
	useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	objects, err := storage.NewObjectStore(minioEndpoint, minioAccessKey, minioSecretKey, bucket, useSSL)
	if err != nil {
		logger.Fatalf("object store: %v", err)
	}

	queueName := os.Getenv("PROCESS_QUEUE")
	if queueName == "" {
		queueName = "pointcloud-process"
	}
	queue := storage.NewQueue(rc, queueName)

	eventsChannel := os.Getenv("EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "pointcloud-events"
	}

	cfg := processorConfig{
		taskTimeout: 300 * time.Second,
		maxRetries:  3,
		channel:     eventsChannel,
	}
	if v := os.Getenv("TASK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.taskTimeout = time.Duration(n) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.taskTimeout = d
		} else {
			logger.Fatalf("invalid TASK_TIMEOUT: %q", v)
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Fatalf("invalid MAX_RETRIES: %q", v)
		}
		cfg.maxRetries = n
	}

	proc := newProcessor(store, objects, rc, cfg, logger)

	// The context stays live until the second signal so the in-flight job
	// can finish; the loop stops dequeuing after the first.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopping := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, finishing in-flight job")
		close(stopping)
		<-sigCh
		logger.Warn("second signal, aborting")
		cancel()
	}()

	runLoop(ctx, stopping, queue, proc, logger)
	logger.Info("pointcloud worker stopped")
}

// runLoop drains the queue until stopping closes. Transient dequeue errors
// back off for a second instead of spinning.
func runLoop(ctx context.Context, stopping <-chan struct{}, queue *storage.Queue, proc *processor, logger *log.Logger) {
	for {
		select {
		case <-stopping:
			return
		case <-ctx.Done():
			return
		default:
		}

		payload, err := queue.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-stopping:
				return
			}
			continue
		}
		if payload == nil {
			continue
		}

		switch proc.Handle(ctx, payload) {
		case ackJob:
			if err := queue.Ack(ctx, payload); err != nil {
				logger.WithError(err).Error("ack failed")
			}
		case requeueJob:
			if err := queue.Requeue(ctx, payload); err != nil {
				logger.WithError(err).Error("requeue failed")
			}
		}
	}
}

func databaseEngine() string {
	engine := os.Getenv("DATABASE_ENGINE")
	if engine == "" {
		engine = "postgres"
	}
	return engine
}

func databaseDSN() string {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return dsn
	}
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USER", "postgres")
	password := os.Getenv("DB_PASSWORD")
	name := envOr("DB_NAME", "pointclouds")
	switch databaseEngine() {
	case "sqlite":
		return envOr("DB_NAME", "file::memory:?cache=shared")
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", user, password, host, port, name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
	}
}

func redisOptions() *redis.Options {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		parts := strings.Split(redisURL, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
