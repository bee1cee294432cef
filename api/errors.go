package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    string `json:"path"`
	Method  string `json:"method"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// apiError writes an error response in the envelope every endpoint shares.
func apiError(c echo.Context, status int, typ, message string) error {
	return c.JSON(status, errorEnvelope{Error: errorBody{
		Type:    typ,
		Message: message,
		Path:    c.Request().URL.Path,
		Method:  c.Request().Method,
	}})
}

// NewHTTPErrorHandler renders errors that escape the handlers (routing
// misses, rate limiter denials, panics surfaced by Recover) in the same
// envelope, and logs server-side failures.
func NewHTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch m := he.Message.(type) {
			case string:
				message = m
			case error:
				message = m.Error()
			default:
				message = fmt.Sprintf("%v", m)
			}
		}

		typ := "http_error"
		if status >= http.StatusInternalServerError {
			typ = "internal_error"
			if logger != nil {
				logger.WithError(err).WithFields(log.Fields{
					"path":   c.Request().URL.Path,
					"method": c.Request().Method,
				}).Error("request failed")
			}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = apiError(c, status, typ, message)
		}
		if writeErr != nil && logger != nil {
			logger.WithError(writeErr).Error("failed to write error response")
		}
	}
}
