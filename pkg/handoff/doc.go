// Package handoff records decisions and hands them to the outside world.
//
// A hand-off runs in three steps. The decision is written to the ledger in
// one transaction, optionally guarded by a caller-supplied check. Only after
// the commit is the decision reported through a report.Reporter, and only
// after that is a DecisionEvent published on the Bus. A ledger failure stops
// the hand-off before anything becomes visible. A reporting failure is logged
// and can be retried with Republish.
package handoff
