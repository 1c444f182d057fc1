package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/telemetry/tracing"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Message is one queued event.
type Message struct {
	ID    string           `json:"id"`
	Event governance.Event `json:"event"`

	// Attempt counts deliveries that ended in a retryable failure.
	Attempt int `json:"attempt"`

	// Headers carries trace context across the queue.
	Headers map[string]string `json:"headers,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the encoded form held in the processing list.
	raw string
}

// NewMessage wraps e and captures the trace context of ctx.
func NewMessage(ctx context.Context, e governance.Event) *Message {
	headers := map[string]string{}
	tracing.InjectToMap(ctx, headers)
	return &Message{
		ID:      uuid.NewString(),
		Event:   e,
		Headers: headers,
	}
}

// Context returns ctx carrying the trace context stored in the message.
func (m *Message) Context(ctx context.Context) context.Context {
	if len(m.Headers) == 0 {
		return ctx
	}
	return tracing.ExtractFromMap(ctx, m.Headers)
}

// Retry returns a copy of m for the next attempt.
func (m *Message) Retry() *Message {
	next := *m
	next.ID = uuid.NewString()
	next.Attempt++
	next.raw = ""
	return &next
}

// Queue is an at-least-once event queue.
type Queue interface {
	// Enqueue makes m available immediately.
	Enqueue(ctx context.Context, m *Message) error

	// EnqueueAfter makes m available once delay has passed.
	EnqueueAfter(ctx context.Context, m *Message, delay time.Duration) error

	// Dequeue blocks until a message is available, ctx is done or the
	// queue is closed.
	Dequeue(ctx context.Context) (*Message, error)

	// Ack removes a dequeued message for good.
	Ack(ctx context.Context, m *Message) error

	// Len is the number of ready and delayed messages.
	Len(ctx context.Context) (int, error)

	Close() error
}

type delayed struct {
	msg *Message
	due time.Time
}

// MemoryQueue is an in-process Queue. Messages are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []*Message
	delayed []delayed
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for delayed delivery.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, m *Message) error {
	return q.EnqueueAfter(ctx, m, 0)
}

func (q *MemoryQueue) EnqueueAfter(ctx context.Context, m *Message, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	now := q.now()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	if delay <= 0 {
		q.ready = append(q.ready, m)
	} else {
		q.delayed = append(q.delayed, delayed{msg: m, due: now.Add(delay)})
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take pops the next ready message and reports how long until the earliest
// delayed one is due.
func (q *MemoryQueue) take() (*Message, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrClosed
	}

	now := q.now()
	var wait time.Duration = -1
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.msg)
			continue
		}
		if until := d.due.Sub(now); wait < 0 || until < wait {
			wait = until
		}
		kept = append(kept, d)
	}
	q.delayed = kept

	if len(q.ready) == 0 {
		return nil, wait, nil
	}
	m := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return m, 0, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		m, wait, err := q.take()
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.done:
			err = ErrClosed
		case <-q.notify:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// Ack is a no-op; a dequeued message is already gone from memory.
func (q *MemoryQueue) Ack(ctx context.Context, m *Message) error {
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
