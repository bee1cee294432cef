package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type queueList []string

func (q *queueList) String() string {
	if q == nil {
		return ""
	}
	return strings.Join(*q, ",")
}

func (q *queueList) Set(value string) error {
	if value == "" {
		return errors.New("queue name cannot be empty")
	}
	*q = append(*q, value)
	return nil
}

// queueDepth counts pending plus in-flight payloads: the queue list itself
// and its processing list.
func queueDepth(ctx context.Context, rc *redis.Client, name string) (int64, error) {
	pending, err := rc.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", name, err)
	}
	inflight, err := rc.LLen(ctx, name+":processing").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight of %s: %w", name, err)
	}
	return pending + inflight, nil
}

func pollQueues(ctx context.Context, rc *redis.Client, interval time.Duration, stableRequired int, queues []string) error {
	if stableRequired < 1 {
		stableRequired = 1
	}
	stableCounts := make(map[string]int, len(queues))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("waiting for %d queue(s) to drain", len(queues))

	checkOnce := func() (bool, error) {
		allStable := true
		for _, name := range queues {
			count, err := queueDepth(ctx, rc, name)
			if err != nil {
				return false, err
			}
			if count > 0 {
				log.Printf("queue %s has %d pending message(s)", name, count)
				stableCounts[name] = 0
				allStable = false
				continue
			}
			stableCounts[name]++
			if stableCounts[name] < stableRequired {
				allStable = false
			}
		}
		return allStable, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := checkOnce()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	log.SetOutput(os.Stderr)
	var (
		redisURL       string
		timeout        time.Duration
		interval       time.Duration
		stableRequired int
		queues         queueList
	)
	flag.StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL, defaults to REDIS_URL")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait for queues to drain")
	flag.DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	flag.IntVar(&stableRequired, "stable", 3, "number of consecutive empty polls required per queue")
	flag.Var(&queues, "queue", "queue name to monitor (repeatable)")
	flag.Parse()

	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	if len(queues) == 0 {
		queues = queueList{"pointcloud-process"}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	rc := redis.NewClient(opts)
	defer rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pollQueues(ctx, rc, interval, stableRequired, []string(queues)); err != nil {
		log.Fatalf("queue wait failed: %v", err)
	}

	log.Printf("all queues drained")
}
