// Package broker serializes access to named stores and audits every attempt.
//
// All mutating access to a projection database goes through
// WithTransaction. The broker:
//
//  1. acquires the Gate (one process-wide lock by default)
//  2. opens the named store
//  3. runs the body with exclusive access
//  4. appends exactly one audit record, success or error
//  5. closes the store and releases the gate on every exit path
//
// Gate acquisition, store open and body failures are all audited with
// outcome "error". A panic in the body is audited and then re-raised.
// Failure to write the audit record is itself a fatal E_IO, returned
// even when the body succeeded.
//
// The gate only protects goroutines inside one process. Separate keel
// processes are serialized by SQLite's own locking with a bounded busy
// timeout and by the audit log's file lock.
package broker
