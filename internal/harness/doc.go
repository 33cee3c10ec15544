// Package harness runs ledger scenarios against a projection.
//
// A scenario records a sequence of events through the real event-sourced
// store, checks each outcome, asserts on the resulting rows, and confirms
// that replaying the ledger reproduces the live projection.
//
// # Scenario Format
//
//	name: task_lifecycle
//	description: "A task is added, completed, and cannot be added twice"
//	subsystem: tasks
//	actor: agent-a            # optional, default "harness"
//	steps:
//	  - event: task.add
//	    subject: T1
//	    payload: { title: "x" }
//	  - event: task.add
//	    subject: T1
//	    payload: { title: "x" }
//	    expect:
//	      error: E_VALIDATION
//	      contains: merge_key conflict
//	assertions:
//	  - type: row
//	    table: tasks
//	    where: { id: T1 }
//	    expect: { status: done }
//	  - type: row_count
//	    table: tasks
//	    count: 1
//	  - type: ledger_count
//	    count: 2
//
// # Determinism
//
// Step i gets event id evt-000i and a timestamp i-1 seconds after
// clock.Epoch, whatever happened to earlier steps. The final rows, their
// fingerprint and the step outcomes are therefore stable and can be
// compared against golden files with RunWithGolden.
package harness
