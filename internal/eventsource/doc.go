// Package eventsource implements the projection pattern shared by every
// subsystem: a JSON-lines ledger is the source of truth and a SQLite
// database is a disposable index derived from it.
//
// All access goes through the broker. Record validates an event against
// the subsystem vocabulary, applies it to the projection inside a
// transaction, appends it to the ledger and only then commits. Replay
// builds a fresh database from the ledger, Rebuild swaps such a database
// over the live one, and Validate compares fingerprints of the live
// database and a throwaway replay.
//
// The graph helpers (cycle search, transition tables, merge policies) are
// pure functions over snapshots that projections load inside their
// transaction.
package eventsource
