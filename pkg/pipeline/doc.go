// Package pipeline turns inbound pull request events into recorded,
// reported decisions.
//
// # Work units
//
// Every event is keyed by (repository, head commit). The first event for a
// key claims a PENDING work unit; the unit turns FINAL in the same
// transaction that records the decision, and only if the rules revision seen
// at claim time is still current. Duplicate events either replay the FINAL
// verdict or wait for the owner to finish, so a key never receives two
// verdicts.
//
// # Failure handling
//
//   - fact source failures are retried with exponential backoff by the Pool
//   - a rules change during evaluation is reported as a warning and needs a
//     re-run
//   - anything else fails closed with a blocking "System Error" report
//   - a unit stuck in PENDING is retried exactly once, either by a later
//     event or by the Recovery sweep
//
// # Usage
//
//	orch, err := pipeline.New(pipeline.Deps{...}, pipeline.ConfigFrom(cfg.Pipeline))
//	pool := pipeline.NewPool(q, orch, pipeline.PoolConfigFrom(cfg.Pipeline), collector)
//	go pool.Run(ctx)
package pipeline
