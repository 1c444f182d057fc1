package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/queue"
)

type processorFunc func(ctx context.Context, e governance.Event) (*Result, error)

func (f processorFunc) Process(ctx context.Context, e governance.Event) (*Result, error) {
	return f(ctx, e)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("pool did not stop")
		}
	}
}

// TestPool_ProcessesSubmitted tests that submitted events reach the processor.
func TestPool_ProcessesSubmitted(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer q.Close()

	var calls atomic.Int32
	p := NewPool(q, processorFunc(func(ctx context.Context, e governance.Event) (*Result, error) {
		calls.Add(1)
		return &Result{Outcome: OutcomeDecided}, nil
	}), PoolConfig{Workers: 3}, nil)
	stop := runPool(t, p)
	defer stop()

	for i := 0; i < 10; i++ {
		e := event("d")
		e.HeadSHA = string(rune('a' + i))
		if err := p.Submit(context.Background(), e); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	waitFor(t, func() bool { return calls.Load() == 10 })
}

// TestPool_RetryBackoff tests that retryable failures are redelivered up to
// MaxAttempts.
func TestPool_RetryBackoff(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"upstream", governance.NewUpstreamFetchError("fake", errors.New("timeout")), 3},
		{"still pending", ErrStillPending, 3},
		{"terminal", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemoryQueue()
			defer q.Close()

			var calls atomic.Int32
			p := NewPool(q, processorFunc(func(ctx context.Context, e governance.Event) (*Result, error) {
				calls.Add(1)
				return nil, tt.err
			}), PoolConfig{Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond}, nil)
			stop := runPool(t, p)
			defer stop()

			if err := p.Submit(context.Background(), event("d-1")); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			waitFor(t, func() bool { return calls.Load() == tt.want })
			time.Sleep(30 * time.Millisecond)
			if got := calls.Load(); got != tt.want {
				t.Errorf("Expected %d deliveries, got %d", tt.want, got)
			}
		})
	}
}

// TestPool_RecoversPanics tests that a panicking event does not stop the worker.
func TestPool_RecoversPanics(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer q.Close()

	var calls atomic.Int32
	p := NewPool(q, processorFunc(func(ctx context.Context, e governance.Event) (*Result, error) {
		if calls.Add(1) == 1 {
			panic("bad event")
		}
		return &Result{}, nil
	}), PoolConfig{Workers: 1}, nil)
	stop := runPool(t, p)
	defer stop()

	ctx := context.Background()
	_ = p.Submit(ctx, event("d-1"))
	_ = p.Submit(ctx, event("d-2"))
	waitFor(t, func() bool { return calls.Load() == 2 })
}

// TestPool_StopsOnClose tests that closing the queue ends Run.
func TestPool_StopsOnClose(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := NewPool(q, processorFunc(func(ctx context.Context, e governance.Event) (*Result, error) {
		return &Result{}, nil
	}), PoolConfig{Workers: 2}, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	q.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after Close")
	}
}

// TestPoolConfig_Defaults tests the default pool sizing.
func TestPoolConfig_Defaults(t *testing.T) {
	cfg := PoolConfig{}
	cfg.applyDefaults()
	if cfg.Workers != 5 || cfg.MaxAttempts != 3 || cfg.BackoffBase != time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}
