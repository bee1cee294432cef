package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/domain"
)

// EventBroker fans processing events out to SSE subscribers, keyed by
// project. Publish never blocks: a subscriber that cannot keep up loses
// events rather than stalling the rest.
type EventBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.FileEvent]struct{}
}

func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[string]map[chan domain.FileEvent]struct{})}
}

func (b *EventBroker) Subscribe(projectID string) chan domain.FileEvent {
	ch := make(chan domain.FileEvent, 8)
	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[chan domain.FileEvent]struct{})
		b.subs[projectID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBroker) Unsubscribe(projectID string, ch chan domain.FileEvent) {
	b.mu.Lock()
	if set, ok := b.subs[projectID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, projectID)
		}
	}
	b.mu.Unlock()
}

func (b *EventBroker) Publish(ev domain.FileEvent) {
	b.mu.Lock()
	for ch := range b.subs[ev.ProjectID] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// StartEventSubscription bridges the Redis events channel into the broker so
// every API instance sees events published by any worker.
func StartEventSubscription(ctx context.Context, rdb *redis.Client, channel string, broker *EventBroker, logger *log.Logger) {
	pubsub := rdb.Subscribe(ctx, channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.FileEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).Warn("dropping malformed file event")
					continue
				}
				broker.Publish(ev)
			}
		}
	}()
}

func streamEvents(broker *EventBroker, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set request headers, so the token may arrive
		// as a query parameter instead.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		principal, err := auth.PrincipalFromAuthHeader(authHeader)
		if err != nil {
			return apiError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		}
		projectID := c.Param("projectId")
		if !principal.CanAccess(projectID) {
			return apiError(c, http.StatusForbidden, "forbidden", "no access to project")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return apiError(c, http.StatusInternalServerError, "internal_error", "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		ch := broker.Subscribe(projectID)
		defer broker.Unsubscribe(projectID, ch)

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-keepalive.C:
				if _, err := c.Response().Write([]byte(": keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case ev := <-ch:
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := c.Response().Write([]byte("event: file\ndata: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
