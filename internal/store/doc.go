// Package store opens the SQLite databases that hold subsystem projections.
//
// Every projection database is a derived index: the subsystem ledger is
// authoritative and the database can be thrown away and rebuilt at any
// time. The store therefore owns only connection setup, schema migration,
// error classification and canonical dumps; table layouts belong to the
// projections.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers while one process writes
//   - synchronous=NORMAL: durability/performance balance under WAL
//   - busy_timeout: bounded wait for another process's lock (default 5s)
//   - foreign_keys=ON: referential integrity for edge tables
//   - _txlock=immediate: write transactions take the write lock at BEGIN,
//     so two processes never deadlock upgrading a read lock
//
// A contended open or write that exceeds the busy timeout surfaces as a
// retryable E_IO error from Classify.
//
// # Deterministic Dumps
//
// Dump reads tables in a caller-declared ORDER BY and converts every row to
// ir values. The result is what drift detection fingerprints, so the same
// rows always dump to the same canonical JSON.
package store
