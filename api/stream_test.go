package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/redis/go-redis/v9"

	"pointcloud-api/domain"
)

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func TestEventBrokerPublishSubscribe(t *testing.T) {
	broker := NewEventBroker()
	ch := broker.Subscribe("p1")

	broker.Publish(domain.FileEvent{ProjectID: "p1", FileID: "f1", Status: domain.StatusProcessed})
	select {
	case ev := <-ch:
		if ev.FileID != "f1" {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	// other projects must not leak in
	broker.Publish(domain.FileEvent{ProjectID: "p2", FileID: "f2"})
	select {
	case ev := <-ch:
		t.Fatalf("received foreign event: %#v", ev)
	default:
	}

	broker.Unsubscribe("p1", ch)
	broker.Publish(domain.FileEvent{ProjectID: "p1", FileID: "f3"})
	select {
	case ev := <-ch:
		t.Fatalf("received event after unsubscribe: %#v", ev)
	default:
	}
}

func TestEventBrokerPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	broker := NewEventBroker()
	ch := broker.Subscribe("p1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(domain.FileEvent{ProjectID: "p1", FileID: "f"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	broker.Unsubscribe("p1", ch)
}

func TestStreamEventsDeliversPublishedEvents(t *testing.T) {
	broker := NewEventBroker()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/events", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues("p1")

	errCh := make(chan error, 1)
	go func() { errCh <- streamEvents(broker, mockAuth{})(c) }()
	time.Sleep(100 * time.Millisecond)
	broker.Publish(domain.FileEvent{ProjectID: "p1", FileID: "f1", Status: domain.StatusProcessed, PointCount: 42})
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: file\ndata: ") {
		t.Fatalf("missing SSE framing in body %q", body)
	}
	if !strings.Contains(body, `"fileId":"f1"`) || !strings.Contains(body, `"pointCount":42`) {
		t.Fatalf("missing event payload in body %q", body)
	}
}

func TestStreamEventsAcceptsQueryToken(t *testing.T) {
	broker := NewEventBroker()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/events?token=sometoken", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues("p1")

	auth := &recordingAuth{principal: &Principal{UserID: "user", Projects: []string{"p1"}}}
	errCh := make(chan error, 1)
	go func() { errCh <- streamEvents(broker, auth)(c) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if auth.lastHeader != "Bearer sometoken" {
		t.Fatalf("expected token promoted to bearer header, got %q", auth.lastHeader)
	}
}

type recordingAuth struct {
	principal  *Principal
	lastHeader string
}

func (r *recordingAuth) PrincipalFromAuthHeader(h string) (*Principal, error) {
	r.lastHeader = h
	return r.principal, nil
}

func TestStreamEventsRejectsOutsiders(t *testing.T) {
	broker := NewEventBroker()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p9/events", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues("p9")

	if err := streamEvents(broker, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestStartEventSubscriptionBridgesRedis(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })

	broker := NewEventBroker()
	ch := broker.Subscribe("p1")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartEventSubscription(ctx, rc, "pointcloud-events", broker, log.New())

	ev := domain.FileEvent{FileID: "f1", ProjectID: "p1", Status: domain.StatusProcessed, Timestamp: time.Now().UnixNano()}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	// subscription setup races with the first publish, retry until received
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := rc.Publish(context.Background(), "pointcloud-events", payload).Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-ch:
			if got.FileID != "f1" || got.Status != domain.StatusProcessed {
				t.Fatalf("unexpected event: %#v", got)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not bridged from redis")
		}
	}
}

func TestStartEventSubscriptionSkipsMalformedPayloads(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })

	broker := NewEventBroker()
	ch := broker.Subscribe("p1")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartEventSubscription(ctx, rc, "pointcloud-events", broker, log.New())

	good, _ := sonic.Marshal(domain.FileEvent{FileID: "f1", ProjectID: "p1"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		rc.Publish(context.Background(), "pointcloud-events", "{not json")
		rc.Publish(context.Background(), "pointcloud-events", good)
		select {
		case got := <-ch:
			if got.FileID != "f1" {
				t.Fatalf("unexpected event: %#v", got)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("valid event was not delivered after malformed one")
		}
	}
}
