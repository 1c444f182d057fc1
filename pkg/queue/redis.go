package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/prgate/pkg/config"
)

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, v in ipairs(due) do
  redis.call("ZREM", KEYS[1], v)
  redis.call("LPUSH", KEYS[2], v)
end
return #due
`)

const (
	defaultPollInterval = 100 * time.Millisecond
	promoteBatch        = 100
)

// RedisQueue is a Queue backed by Redis.
//
// Keys, under the configured prefix:
//
//	<prefix>:ready       LIST  LPUSH on enqueue, LMOVE to processing on dequeue
//	<prefix>:processing  LIST  removed by Ack
//	<prefix>:delayed     ZSET  score is the due time in unix milliseconds
type RedisQueue struct {
	client       *redis.Client
	ready        string
	processing   string
	delayedKey   string
	pollInterval time.Duration
	closed       atomic.Bool
	now          func() time.Time
	logger       *slog.Logger
}

// NewRedisQueue creates a queue on client. An empty prefix means "prgate".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "prgate"
	}
	return &RedisQueue{
		client:       client,
		ready:        prefix + ":ready",
		processing:   prefix + ":processing",
		delayedKey:   prefix + ":delayed",
		pollInterval: defaultPollInterval,
		now:          time.Now,
		logger:       slog.Default().With("component", "queue.redis"),
	}
}

// NewRedisClient opens a client from configuration and verifies it with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// WithPollInterval sets how often Dequeue checks an empty queue.
func (q *RedisQueue) WithPollInterval(d time.Duration) *RedisQueue {
	if d > 0 {
		q.pollInterval = d
	}
	return q
}

// WithClock replaces the clock used for delayed delivery.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) encode(m *Message) (string, error) {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return string(data), nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, m *Message) error {
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := q.encode(m)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", m.ID, err)
	}
	return nil
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, m *Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, m)
	}
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := q.encode(m)
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", m.ID, err)
	}
	return nil
}

// promote moves due delayed messages to the ready list.
func (q *RedisQueue) promote(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.ready},
		q.now().UnixMilli(), promoteBatch,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}

		if _, err := q.promote(ctx); err != nil {
			return nil, err
		}

		raw, err := q.client.LMove(ctx, q.ready, q.processing, "RIGHT", "LEFT").Result()
		switch {
		case err == nil:
			var m Message
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				// A poison entry would be redelivered forever.
				q.logger.Error("dropping undecodable message", "error", err)
				_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
				continue
			}
			m.raw = raw
			return &m, nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, m *Message) error {
	if m.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, m.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", m.ID, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	later := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(ready.Val() + later.Val()), nil
}

// RequeueInFlight moves messages left in the processing list by a crashed
// worker back to the ready list. Call it once at startup before any worker
// dequeues.
func (q *RedisQueue) RequeueInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.ready, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("requeue in-flight: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Warn("requeued in-flight messages", "count", n)
	}
	return n, nil
}

// Ping verifies connectivity for readiness checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops Dequeue. The client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
