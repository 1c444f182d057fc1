// Package governance defines the data model, error taxonomy and persistence
// contract shared by every stage of the decision pipeline.
//
// Facts and policy versions are immutable once written, decisions are
// append-only and overrides only move forward through their lifecycle. The
// Store contract exposes those rules as explicit primitives (insert-or-return,
// compare-and-set transitions, guarded finalization) so that callers never
// rely on catching constraint violations for control flow.
package governance
