package eventsource

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

// Projection is one subsystem's materialized view of its ledger.
//
// Apply must be a pure function of the database state and the event: no
// wall clock, no random ids, no reads outside tx. Anything that varies
// per event (timestamps, derived ids) comes from the event itself, so
// replay produces identical rows.
type Projection interface {
	// Subsystem names the ledger, database and broker store id.
	Subsystem() string
	// Vocabulary returns the CUE source declaring the accepted events.
	Vocabulary() string
	// Migrations returns the schema, one entry per user_version step.
	Migrations() []string
	// Tables lists every projection table for fingerprinting.
	Tables() []store.Table
	// Apply folds one event into the projection.
	Apply(ctx context.Context, tx *sql.Tx, e ledger.Event) (Result, error)
}

// Result describes what Apply did. Projections fill in what is useful to
// the caller; the zero value is valid.
type Result struct {
	// SubjectID is the row the event resolved to. It differs from the
	// event's subject when a merge policy folded the event into an
	// existing row.
	SubjectID string `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	// Action is a short verb such as "inserted", "merged" or "superseded".
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// Affected lists other rows the event changed.
	Affected []string `json:"affected,omitempty" yaml:"affected,omitempty"`
}

// LedgerPath is the ledger of subsystem under root.
func LedgerPath(root, subsystem string) string {
	return filepath.Join(root, subsystem+".events.jsonl")
}

// DBPath is the projection database of subsystem under root.
func DBPath(root, subsystem string) string {
	return filepath.Join(root, subsystem+".db")
}
