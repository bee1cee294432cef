package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/storage"
)

// storage-init brings up everything the API and worker expect to exist:
// the registry schema, the object bucket, and a reachable Redis. Every
// step is idempotent so the job can run on each deploy.
func main() {
	_ = godotenv.Load()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	registry, err := storage.Open(databaseEngine(), databaseDSN())
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer registry.Close()
	if err := registry.Init(ctx); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	log.Info("registry schema ready")

	minioEndpoint := os.Getenv("MINIO_ENDPOINT")
	minioAccessKey := os.Getenv("MINIO_ACCESS_KEY")
	minioSecretKey := os.Getenv("MINIO_SECRET_KEY")
	if minioEndpoint == "" || minioAccessKey == "" || minioSecretKey == "" {
		log.Fatal("missing minio config")
	}
	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "pointclouds"
	}
	useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	objects, err := storage.NewObjectStore(minioEndpoint, minioAccessKey, minioSecretKey, bucket, useSSL)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("create bucket: %v", err)
	}
	log.WithField("bucket", bucket).Info("bucket ready")

	rc := redis.NewClient(redisOptions())
	defer rc.Close()
	if err := rc.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}
	log.Info("storage init complete")
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
