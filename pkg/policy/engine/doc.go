// Package engine is the deterministic judge that turns a frozen fact snapshot
// and a resolved policy list into an Outcome.
//
// Evaluation is closed-world: checkers read only the snapshot's facts, never
// live state, and the evaluation time is passed in by the caller. The same
// (facts, rules, engine version) triple always yields the same verdict,
// rationale and evaluation hash.
//
// # Architecture
//
//  1. Registry - maps a checker kind to its Checker
//  2. Checkers - coverage, pr_size, security_path, file_extension
//  3. Engine - runs one checker per policy, aggregates and hashes
//
// # Aggregation
//
//	any MANDATORY policy returns BLOCK  -> BLOCK
//	else any policy returns BLOCK/WARN  -> WARN
//	else                                -> PASS
//
// # Basic Usage
//
//	eng := engine.New(engine.DefaultRegistry())
//
//	outcome, err := eng.Evaluate(snapshot, resolved, time.Now())
//	if err != nil {
//	    return fmt.Errorf("evaluate: %w", err)
//	}
//
//	if outcome.Result == governance.VerdictBlock {
//	    log.Info("blocked", "rationale", outcome.Rationale)
//	}
//
// # Extending
//
// New checker kinds are added by registering their parameter struct with
// governance.RegisterParams and their Checker with Registry.Register. The
// evaluation hash only covers the policies that were applied, so snapshots
// that never reference a new kind keep their verdicts and hashes.
//
// # Thread Safety
//
// Engine holds no mutable state and is safe for concurrent use. Registry
// guards registrations with an RWMutex.
package engine
