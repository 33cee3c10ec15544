// Package ledger is the append-only JSON-lines event log that every
// projection is derived from.
//
// One line holds one Event in canonical JSON. Events are totally ordered
// by their position in the file. Each event carries a domain-separated
// content hash that Scan re-verifies, so an edited or truncated line is
// reported as E_CORRUPTION with its line number instead of being
// silently replayed.
package ledger
