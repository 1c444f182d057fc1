// Package facts freezes the objective facts of a change set into a
// write-once FactSnapshot.
//
// A Source fetches the raw change set (pull request metadata and changed
// files). Derive turns it into governance.Facts using fixed naming rules,
// and the Ingestor persists the result once per (repository, commit).
// Re-ingesting the same commit returns the stored snapshot unchanged; a
// failed fetch persists nothing.
package facts
