package handoff

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/prgate/pkg/governance"
)

// DecisionEvent announces a recorded decision.
type DecisionEvent struct {
	Decision     *governance.Decision
	RepoFullName string
	PRNumber     int
	// OverrideID is the override that authorized an OVERRIDDEN_PASS, if any.
	OverrideID string
	// Duration is the time from the start of the unit of work to the commit.
	Duration   time.Duration
	RecordedAt time.Time
}

// Subscriber consumes decision events. Implementations must not block for
// long; they run on the bus worker.
type Subscriber interface {
	OnDecision(ctx context.Context, e DecisionEvent)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, e DecisionEvent)

// OnDecision calls f.
func (f SubscriberFunc) OnDecision(ctx context.Context, e DecisionEvent) {
	f(ctx, e)
}

// Bus fans decision events out to subscribers off the write path.
//
// With a positive buffer, events are queued and delivered by one background
// worker in publication order. With a zero buffer, Publish delivers inline.
// Close drains queued events before returning.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	events chan DecisionEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// NewBus creates a bus.
func NewBus(buffer int, subs ...Subscriber) *Bus {
	b := &Bus{
		subs:   subs,
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "handoff.bus"),
	}
	if buffer > 0 {
		b.events = make(chan DecisionEvent, buffer)
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe adds a subscriber.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish delivers e to every subscriber. It blocks when the buffer is full
// and drops the event once the bus is closed or ctx is done.
func (b *Bus) Publish(ctx context.Context, e DecisionEvent) {
	if b.events == nil {
		b.deliver(ctx, e)
		return
	}

	select {
	case <-b.done:
		b.logger.Warn("bus closed, dropping decision event", "decision_id", e.Decision.ID)
		return
	default:
	}

	select {
	case b.events <- e:
	case <-b.done:
		b.logger.Warn("bus closed, dropping decision event", "decision_id", e.Decision.ID)
	case <-ctx.Done():
		b.logger.Error("decision event dropped", "decision_id", e.Decision.ID, "error", ctx.Err())
	}
}

// Close stops the worker after the queue is drained.
func (b *Bus) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
	return nil
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case e := <-b.events:
			b.deliver(context.Background(), e)
		case <-b.done:
			for {
				select {
				case e := <-b.events:
					b.deliver(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e DecisionEvent) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeDeliver(ctx, s, e)
	}
}

func (b *Bus) safeDeliver(ctx context.Context, s Subscriber, e DecisionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("decision subscriber panicked", "decision_id", e.Decision.ID, "panic", r)
		}
	}()
	s.OnDecision(ctx, e)
}
