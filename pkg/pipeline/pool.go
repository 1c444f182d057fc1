package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/queue"
	"mercator-hq/prgate/pkg/telemetry/metrics"
)

// Processor handles one event. *Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, e governance.Event) (*Result, error)
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent consumers.
	// Default: 5
	Workers int

	// MaxAttempts bounds deliveries of one event for retryable failures.
	// Default: 3
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Default: 1 second
	BackoffBase time.Duration
}

// PoolConfigFrom maps the pipeline configuration section.
func PoolConfigFrom(c config.PipelineConfig) PoolConfig {
	return PoolConfig{
		Workers:     c.Workers,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
	}
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
}

// Pool consumes a queue with a fixed number of workers.
type Pool struct {
	queue     queue.Queue
	processor Processor
	config    PoolConfig
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewPool creates a Pool. The collector may be nil.
func NewPool(q queue.Queue, p Processor, cfg PoolConfig, collector *metrics.Collector) *Pool {
	cfg.applyDefaults()
	return &Pool{
		queue:     q,
		processor: p,
		config:    cfg,
		metrics:   collector,
		logger:    slog.Default().With("component", "worker-pool"),
	}
}

// Submit enqueues an event for processing.
func (p *Pool) Submit(ctx context.Context, e governance.Event) error {
	if err := p.queue.Enqueue(ctx, queue.NewMessage(ctx, e)); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.Key(), err)
	}
	p.updateDepth(ctx)
	return nil
}

// Run blocks until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting workers", "workers", p.config.Workers, "max_attempts", p.config.MaxAttempts)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
	err := g.Wait()
	p.logger.Info("workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		m, err := p.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.config.BackoffBase):
			}
			continue
		}
		p.handle(ctx, worker, m)
	}
}

func (p *Pool) handle(ctx context.Context, worker int, m *queue.Message) {
	msgCtx := m.Context(ctx)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				"worker", worker,
				"message_id", m.ID,
				"panic", r,
			)
		}
		if err := p.queue.Ack(ctx, m); err != nil {
			p.logger.Warn("ack failed", "message_id", m.ID, "error", err)
		}
		p.updateDepth(ctx)
	}()

	_, err := p.processor.Process(msgCtx, m.Event)
	if err == nil || !Retryable(err) {
		return
	}

	if m.Attempt+1 >= p.config.MaxAttempts {
		p.logger.Error("giving up on event",
			"key", m.Event.Key().String(),
			"delivery_id", m.Event.DeliveryID,
			"attempts", m.Attempt+1,
			"error", err,
		)
		return
	}

	delay := p.config.BackoffBase << m.Attempt
	if qerr := p.queue.EnqueueAfter(ctx, m.Retry(), delay); qerr != nil {
		p.logger.Error("failed to schedule retry", "message_id", m.ID, "error", qerr)
		return
	}
	p.logger.Info("scheduled retry",
		"key", m.Event.Key().String(),
		"attempt", m.Attempt+1,
		"delay", delay,
		"error", err,
	)
}

func (p *Pool) updateDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if n, err := p.queue.Len(ctx); err == nil {
		p.metrics.SetQueueDepth(n)
	}
}
