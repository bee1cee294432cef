package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewRateLimiter returns rate limiting middleware keyed by client IP. With a
// Redis client the per-minute budget is shared across instances, otherwise
// each instance keeps its own in-memory token bucket.
func NewRateLimiter(client *redis.Client, logger *log.Logger) echo.MiddlewareFunc {
	perMinute := envInt("RATE_LIMIT_PER_MINUTE", 60)
	burst := envInt("RATE_LIMIT_BURST", 10)

	var store middleware.RateLimiterStore
	if client != nil {
		store = &redisRateStore{client: client, limit: perMinute, burst: burst, logger: logger}
	} else {
		store = middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(float64(perMinute) / 60.0),
			Burst: burst,
		})
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			switch c.Path() {
			case "/healthz", "/api/v1/health", "/api/v1/ping":
				return true
			}
			return false
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// redisRateStore counts requests in fixed one-minute windows. Redis being
// unreachable must not take the API down with it, so errors allow.
type redisRateStore struct {
	client *redis.Client
	limit  int
	burst  int
	logger *log.Logger
}

func (s *redisRateStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	window := time.Now().Unix() / 60
	key := fmt.Sprintf("rl:%s:%d", identifier, window)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("rate limit store unavailable, allowing request")
		}
		return true, nil
	}
	if count == 1 {
		s.client.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(s.limit+s.burst), nil
}
