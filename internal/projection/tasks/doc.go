// Package tasks is the task tracker projection.
//
// Tasks are created open, move to done and back, and end archived.
// Dependencies form a directed acyclic graph: an edge that would close a
// cycle is rejected before anything is written.
package tasks
