package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "pointcloud-api/api"
	uploadEventName   = "pointcloud.upload"
	uploadEventDomain = "pointcloud"
	uploadSpanName    = "pointcloud.upload"
	uploadRoute       = "/api/v1/projects/:projectId/pointclouds"
)

// uploadMetrics collects per-request timings for the upload path and emits
// them once as a structured log entry and an OTel span when Log is called.
type uploadMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration  time.Duration
	storeDuration time.Duration
	queueDuration time.Duration
	bytes         int64
	format        string
	replayed      bool
	errorStage    string
}

func newUploadMetrics(ctx context.Context, logger *log.Logger) (*uploadMetrics, context.Context) {
	m := &uploadMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, uploadSpanName)
	m.span = span
	return m, spanCtx
}

func (m *uploadMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *uploadMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration = duration
}

func (m *uploadMetrics) ObserveQueue(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.queueDuration = duration
}

func (m *uploadMetrics) SetBytes(n int64) {
	if n < 0 {
		n = 0
	}
	m.bytes = n
}

func (m *uploadMetrics) SetFormat(format string) {
	m.format = format
}

func (m *uploadMetrics) SetReplayed(replayed bool) {
	m.replayed = replayed
}

func (m *uploadMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *uploadMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", uploadRoute),
		attribute.Float64("pointcloud.upload.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("pointcloud.upload.replayed", m.replayed),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("pointcloud.upload.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("pointcloud.upload.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.queueDuration > 0 {
		attrs = append(attrs, attribute.Float64("pointcloud.upload.queue_ms", durationToMillis(m.queueDuration)))
	}
	if m.bytes > 0 {
		attrs = append(attrs, attribute.Int64("pointcloud.upload.bytes", m.bytes))
	}
	if m.format != "" {
		attrs = append(attrs, attribute.String("pointcloud.upload.format", m.format))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("pointcloud.upload.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	attrs = append(attrs, attribute.Int("http.status_code", status))

	eventAttrs := make([]attribute.KeyValue, 0, len(attrs)+4)
	eventAttrs = append(eventAttrs,
		attribute.String("event.name", uploadEventName),
		attribute.String("event.domain", uploadEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	)
	eventAttrs = append(eventAttrs, attrs...)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := severityText
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      uploadEventName,
		"event.domain":    uploadEventDomain,
		"attributes":      attributeMap(attrs),
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	if err != nil || status >= http.StatusInternalServerError {
		return "ERROR", 17
	}
	if status >= http.StatusBadRequest {
		return "WARN", 13
	}
	return "INFO", 9
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
