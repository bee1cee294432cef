package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a Redis-list work queue with at-least-once delivery. Dequeued
// payloads move to a processing list and stay there until acked, so a
// crashed consumer leaves its work visible for recovery.
type Queue struct {
	rdb  *redis.Client
	name string
}

// NewQueue wraps the named Redis list.
func NewQueue(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) processingList() string {
	return q.name + ":processing"
}

// Enqueue pushes a payload onto the queue.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next payload, moving it to the
// processing list. It returns nil without error when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	val, err := q.rdb.BLMove(ctx, q.name, q.processingList(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	return []byte(val), nil
}

// Ack removes a delivered payload from the processing list.
func (q *Queue) Ack(ctx context.Context, payload []byte) error {
	if err := q.rdb.LRem(ctx, q.processingList(), 1, payload).Err(); err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, err)
	}
	return nil
}

// Requeue puts a payload back onto the queue and drops it from the
// processing list. Used for transient failures.
func (q *Queue) Requeue(ctx context.Context, payload []byte) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.name, payload)
		pipe.LRem(ctx, q.processingList(), 1, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: requeue: %w", q.name, err)
	}
	return nil
}

// Depth reports how many payloads wait for delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: depth: %w", q.name, err)
	}
	return n, nil
}

// InFlight reports how many payloads were delivered but not yet acked.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.processingList()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: in-flight: %w", q.name, err)
	}
	return n, nil
}

// Ping verifies Redis connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
