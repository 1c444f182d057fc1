// Package simulation replays draft policy rules against historical fact
// snapshots to measure their blast radius before they are promoted.
//
// A simulation samples snapshots, evaluates each one with the draft rules as
// a MANDATORY policy and compares the verdict with the latest recorded
// decision of that snapshot. Changes that would newly block pull requests
// raise the friction index; promoting a HIGH friction draft requires an
// explicit acknowledgement.
//
// Simulations are deterministic: the simulation hash covers the draft rules,
// the sorted snapshot ids and the engine version, and evaluation never
// touches the ledger's decisions.
package simulation
