package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mercator-hq/prgate/pkg/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewRedisQueue(client, "test:").
		WithClock(clock.Now).
		WithPollInterval(5 * time.Millisecond)
	return q, mr, clock
}

// TestRedisQueue_EnqueueDequeueAck tests the ready to processing to acked path.
func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr, _ := newRedisQueue(t)

	for _, sha := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, NewMessage(ctx, event(sha))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("Len = %d, %v; want 2", n, err)
	}

	m, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if m.Event.HeadSHA != "a" {
		t.Errorf("Dequeued %s, want a", m.Event.HeadSHA)
	}

	inFlight, err := mr.List("test:processing")
	if err != nil || len(inFlight) != 1 {
		t.Fatalf("Expected 1 in-flight message, got %v, %v", inFlight, err)
	}

	if err := q.Ack(ctx, m); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if mr.Exists("test:processing") {
		t.Error("Expected processing list to be empty after ack")
	}
}

// TestRedisQueue_Delayed tests promotion of due messages by the Lua script.
func TestRedisQueue_Delayed(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newRedisQueue(t)

	if err := q.EnqueueAfter(ctx, NewMessage(ctx, event("later")), time.Minute); err != nil {
		t.Fatalf("EnqueueAfter failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected no message before due time, got %v", err)
	}

	clock.Advance(time.Minute)
	m, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if m.Event.HeadSHA != "later" {
		t.Errorf("Dequeued %s, want later", m.Event.HeadSHA)
	}
}

// TestRedisQueue_RequeueInFlight tests crash recovery of unacked messages.
func TestRedisQueue_RequeueInFlight(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)

	if err := q.Enqueue(ctx, NewMessage(ctx, event("a"))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	n, err := q.RequeueInFlight(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueInFlight = %d, %v; want 1", n, err)
	}
	m, err := q.Dequeue(ctx)
	if err != nil || m.Event.HeadSHA != "a" {
		t.Fatalf("Expected redelivery of a, got %+v, %v", m, err)
	}
}

// TestRedisQueue_Poison tests that undecodable entries are dropped.
func TestRedisQueue_Poison(t *testing.T) {
	ctx := context.Background()
	q, mr, _ := newRedisQueue(t)

	mr.Lpush("test:ready", "{not json")
	if err := q.Enqueue(ctx, NewMessage(ctx, event("ok"))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m, err := q.Dequeue(ctx)
	if err != nil || m.Event.HeadSHA != "ok" {
		t.Fatalf("Expected valid message, got %+v, %v", m, err)
	}
	if items, _ := mr.List("test:processing"); len(items) != 1 {
		t.Errorf("Expected only the valid message in flight, got %v", items)
	}
}

// TestRedisQueue_Close tests that a closed queue refuses work.
func TestRedisQueue_Close(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	q.Close()
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := q.Enqueue(ctx, NewMessage(ctx, event("a"))); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

// TestNewRedisClient tests address validation and connectivity.
func TestNewRedisClient(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), config.RedisConfig{}); err == nil {
		t.Error("Expected error for empty address")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewRedisClient(context.Background(), config.RedisConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	client.Close()
}
