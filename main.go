package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/api"
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

	idemTTL := 24 * time.Hour
	if v := os.Getenv("IDEMPOTENCY_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Fatalf("invalid IDEMPOTENCY_TTL_SECONDS: %v", err)
		}
		idemTTL = time.Duration(n) * time.Second
	}
	deduper := api.NewRedisDeduper(rc, idemTTL)

	auth := buildAuth(logger)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.NewHTTPErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
	}))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			// SSE must flush incrementally and sample downloads are binary.
			return strings.HasSuffix(c.Path(), "/events") || strings.HasPrefix(c.Path(), "/api/v1/samples")
		},
	}))
	e.Use(api.NewRateLimiter(rc, logger))

	broker := api.Register(e, store, objects, queue, auth, deduper, logger)

	eventsChannel := os.Getenv("EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "pointcloud-events"
	}
	api.StartEventSubscription(context.Background(), rc, eventsChannel, broker, logger)

	listenAddr := ":8000"
	if val, ok := os.LookupEnv("POINTCLOUD_API_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func buildAuth(logger *log.Logger) *api.Auth {
	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		return api.NewAuth(nil, os.Getenv("AUTH_AUDIENCE"), os.Getenv("AUTH_ISSUER"), []byte(secret))
	}
	jwksURL := os.Getenv("AUTH_JWKS_URL")
	if jwksURL == "" {
		logger.Fatal("missing auth config: set SECRET_KEY or AUTH_JWKS_URL")
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		logger.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, os.Getenv("AUTH_AUDIENCE"), os.Getenv("AUTH_ISSUER"), nil)
}

func databaseEngine() string {
	engine := os.Getenv("DATABASE_ENGINE")
	if engine == "" {
		engine = "postgres"
	}
	return engine
}

// databaseDSN prefers an explicit DATABASE_DSN and otherwise assembles one
// from the DB_* parts.
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

func corsOrigins() []string {
	raw := os.Getenv("CORS_ORIGINS")
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
