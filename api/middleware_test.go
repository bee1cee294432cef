package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestRequestLoggerRecordsRequest(t *testing.T) {
	logger, hook := test.NewNullLogger()

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/api/v1/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if rec.Header().Get("X-Process-Time") == "" {
		t.Fatal("expected X-Process-Time header")
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected request log entry")
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("unexpected log level %v", entry.Level)
	}
	if entry.Data["method"] != http.MethodGet || entry.Data["path"] != "/api/v1/ping" {
		t.Fatalf("unexpected log fields: %#v", entry.Data)
	}
	if entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected status field: %#v", entry.Data["status"])
	}
}

func TestRequestLoggerElevatesErrorLevel(t *testing.T) {
	logger, hook := test.NewNullLogger()

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/boom", func(c echo.Context) error { return errors.New("kaput") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected request log entry")
	}
	if entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", entry.Level)
	}
	if entry.Data["error"] != "kaput" {
		t.Fatalf("expected error field, got %#v", entry.Data)
	}
}

func TestHTTPErrorHandlerEnvelopesRoutingMiss(t *testing.T) {
	logger, _ := test.NewNullLogger()

	e := echo.New()
	e.HTTPErrorHandler = NewHTTPErrorHandler(logger)

	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := sonic.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if envelope.Error.Type != "http_error" {
		t.Fatalf("unexpected error type %q", envelope.Error.Type)
	}
	if envelope.Error.Path != "/no/such/route" || envelope.Error.Method != http.MethodGet {
		t.Fatalf("unexpected envelope: %#v", envelope.Error)
	}
}

func TestHTTPErrorHandlerLogsInternalErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()

	e := echo.New()
	e.HTTPErrorHandler = NewHTTPErrorHandler(logger)
	e.GET("/boom", func(c echo.Context) error { return errors.New("kaput") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := sonic.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if envelope.Error.Type != "internal_error" {
		t.Fatalf("unexpected error type %q", envelope.Error.Type)
	}
	// the raw error stays server side
	if envelope.Error.Message != "internal server error" {
		t.Fatalf("unexpected message %q", envelope.Error.Message)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected server-side error log, got %#v", entry)
	}
}
