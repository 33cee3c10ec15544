// Package audit maintains the broker's append-only audit log.
//
// The log is JSON lines, one Record per broker-mediated access. Records
// form a hash chain: each carries the record_hash of its predecessor and a
// hash over its own canonical form, so truncation, reordering and edits
// are all detectable by Verify. seq starts at 1 and increases by exactly
// one per record, across every process writing the same file.
package audit

import (
	"fmt"
	"time"

	"github.com/roach88/keel/internal/ir"
)

// SchemaVersion is written into every record.
const SchemaVersion = 1

// Outcome is the result of an audited access.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Record is one line of the audit log.
type Record struct {
	SchemaVersion int     `json:"schema_version" yaml:"schema_version"`
	Seq           int64   `json:"seq" yaml:"seq"`
	Timestamp     string  `json:"ts" yaml:"ts"`
	EventID       string  `json:"event_id" yaml:"event_id"`
	Actor         string  `json:"actor" yaml:"actor"`
	IntentRef     string  `json:"intent_ref,omitempty" yaml:"intent_ref,omitempty"`
	Operation     string  `json:"op" yaml:"op"`
	StoreID       string  `json:"store_id" yaml:"store_id"`
	Outcome       Outcome `json:"outcome" yaml:"outcome"`
	Error         string  `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS    int64   `json:"duration_ms" yaml:"duration_ms"`
	PrevHash      string  `json:"prev_hash,omitempty" yaml:"prev_hash,omitempty"`
	RecordHash    string  `json:"record_hash" yaml:"record_hash"`
}

// Entry is what a caller supplies; the log fills in sequence, identity,
// time and hashes.
type Entry struct {
	Actor     string
	IntentRef string
	Operation string
	StoreID   string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

// object returns the record as an ir.Object. The record hash is included
// only when withHash is set, so computeHash can exclude it.
func (r *Record) object(withHash bool) ir.Object {
	obj := ir.Object{
		"schema_version": ir.Int(r.SchemaVersion),
		"seq":            ir.Int(r.Seq),
		"ts":             ir.String(r.Timestamp),
		"event_id":       ir.String(r.EventID),
		"actor":          ir.String(r.Actor),
		"op":             ir.String(r.Operation),
		"store_id":       ir.String(r.StoreID),
		"outcome":        ir.String(r.Outcome),
		"duration_ms":    ir.Int(r.DurationMS),
	}
	if r.IntentRef != "" {
		obj["intent_ref"] = ir.String(r.IntentRef)
	}
	if r.Error != "" {
		obj["error"] = ir.String(r.Error)
	}
	if r.PrevHash != "" {
		obj["prev_hash"] = ir.String(r.PrevHash)
	}
	if withHash {
		obj["record_hash"] = ir.String(r.RecordHash)
	}
	return obj
}

func computeHash(r *Record) (string, error) {
	h, err := ir.Digest(ir.DomainAuditRecord, r.object(false))
	if err != nil {
		return "", fmt.Errorf("compute record hash: %w", err)
	}
	return h, nil
}

// line renders the record as one canonical JSON line (without newline).
func (r *Record) line() ([]byte, error) {
	return ir.MarshalCanonical(r.object(true))
}
