package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/queue"
	"mercator-hq/prgate/pkg/scheduler"
)

// Recovery re-enqueues work units left PENDING by crashed workers.
type Recovery struct {
	store      governance.Store
	queue      queue.Queue
	stuckAfter time.Duration
	batch      int
	now        func() time.Time
	logger     *slog.Logger
}

// NewRecovery creates a Recovery sweep.
func NewRecovery(store governance.Store, q queue.Queue, stuckAfter time.Duration) *Recovery {
	if stuckAfter <= 0 {
		stuckAfter = DefaultConfig().StuckAfter
	}
	return &Recovery{
		store:      store,
		queue:      q,
		stuckAfter: stuckAfter,
		batch:      100,
		now:        time.Now,
		logger:     slog.Default().With("component", "stuck-recovery"),
	}
}

// WithClock replaces the clock.
func (r *Recovery) WithClock(now func() time.Time) *Recovery {
	r.now = now
	return r
}

// Sweep enqueues the stored event of every stuck unit under a fresh
// delivery id. The orchestrator grants each unit a single retry.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	var stuck []*governance.WorkUnit
	err := r.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		stuck, err = tx.ListStuckWorkUnits(ctx, r.now().Add(-r.stuckAfter), r.batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list stuck work units: %w", err)
	}

	n := 0
	for _, unit := range stuck {
		e := unit.Payload
		e.DeliveryID = "recovery-" + uuid.NewString()
		if err := r.queue.Enqueue(ctx, queue.NewMessage(ctx, e)); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", unit.Key(), err)
		}
		r.logger.Info("re-enqueued stuck work unit",
			"unit_id", unit.ID,
			"key", unit.Key().String(),
			"attempts", unit.Attempts,
		)
		n++
	}
	return n, nil
}

// Job returns the cron job that runs Sweep on schedule.
func (r *Recovery) Job(schedule string) scheduler.Job {
	return scheduler.Job{
		Name:     "stuck-recovery",
		Schedule: schedule,
		Run:      r.Sweep,
	}
}
