package ledger

import (
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/ir"
)

// SchemaVersion is the event envelope version written by this build.
const SchemaVersion = 1

// Status of an event. Pending events are recorded intent that never
// completed; replay skips them.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
)

// Event is one ledger line.
type Event struct {
	EventID       string    `json:"event_id" yaml:"event_id"`
	Timestamp     string    `json:"ts" yaml:"ts"`
	Type          string    `json:"event_type" yaml:"event_type"`
	SubjectID     string    `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	Payload       ir.Object `json:"payload" yaml:"payload"`
	Actor         string    `json:"actor" yaml:"actor"`
	Status        Status    `json:"status" yaml:"status"`
	SchemaVersion int       `json:"schema_version" yaml:"schema_version"`
	ContentHash   string    `json:"content_hash" yaml:"content_hash"`
}

// Applicable reports whether replay applies the event.
func (e Event) Applicable() bool {
	return e.Status != StatusPending
}

// object returns the event as an ir.Object, without content_hash unless
// withHash is set.
func (e Event) object(withHash bool) ir.Object {
	payload := e.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	obj := ir.Object{
		"event_id":       ir.String(e.EventID),
		"ts":             ir.String(e.Timestamp),
		"event_type":     ir.String(e.Type),
		"payload":        payload,
		"actor":          ir.String(e.Actor),
		"status":         ir.String(e.Status),
		"schema_version": ir.Int(e.SchemaVersion),
	}
	if e.SubjectID != "" {
		obj["subject_id"] = ir.String(e.SubjectID)
	}
	if withHash {
		obj["content_hash"] = ir.String(e.ContentHash)
	}
	return obj
}

// ComputeHash returns the content hash of e, ignoring e.ContentHash.
func (e Event) ComputeHash() (string, error) {
	return ir.Digest(ir.DomainLedgerEvent, e.object(false))
}

// MarshalLine renders e as one canonical JSON line without a newline.
func (e Event) MarshalLine() ([]byte, error) {
	return ir.MarshalCanonical(e.object(true))
}

// validate checks the envelope. It does not look at the payload; payload
// shape is the projection's vocabulary to enforce.
func (e Event) validate() error {
	switch {
	case e.EventID == "":
		return errclass.ErrValidation.WithMessage("event_id is required")
	case e.Type == "":
		return errclass.ErrValidation.WithMessage("event_type is required").With("event_id", e.EventID)
	case e.Actor == "":
		return errclass.ErrValidation.WithMessage("actor is required").With("event_id", e.EventID)
	case e.Timestamp == "":
		return errclass.ErrValidation.WithMessage("ts is required").With("event_id", e.EventID)
	}
	if e.Status != StatusSuccess && e.Status != StatusPending {
		return errclass.ErrValidation.
			WithMessagef("unknown status %q", e.Status).
			With("event_id", e.EventID)
	}
	if e.SchemaVersion < 1 || e.SchemaVersion > SchemaVersion {
		return errclass.ErrValidation.
			WithMessagef("unsupported schema_version %d", e.SchemaVersion).
			With("event_id", e.EventID)
	}
	return nil
}
