package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestLogger emits one structured log line per request and stamps the
// X-Process-Time header before the response is committed.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			c.Response().Before(func() {
				elapsed := time.Since(start).Seconds()
				c.Response().Header().Set("X-Process-Time", strconv.FormatFloat(elapsed, 'f', 6, 64))
			})

			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			fields := log.Fields{
				"method":      c.Request().Method,
				"path":        c.Request().URL.Path,
				"status":      status,
				"duration_ms": durationToMillis(time.Since(start)),
				"remote_ip":   c.RealIP(),
			}
			if err != nil {
				fields["error"] = err.Error()
			}

			entry := logger.WithFields(fields)
			switch {
			case status >= http.StatusInternalServerError:
				entry.Error("request completed")
			case status >= http.StatusBadRequest:
				entry.Warn("request completed")
			default:
				entry.Info("request completed")
			}
			return err
		}
	}
}
