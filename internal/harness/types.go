package harness

import (
	"github.com/roach88/keel/internal/ir"
)

// Outcome of a step that succeeded.
const OutcomeSuccess = "success"

// StepResult is what happened to one step.
type StepResult struct {
	Index   int    `json:"index"`
	Event   string `json:"event"`
	Subject string `json:"subject,omitempty"`
	// Outcome is OutcomeSuccess or the error code.
	Outcome string `json:"outcome"`
	// Resolved is the subject the projection reported, when it differs
	// from Subject.
	Resolved string `json:"resolved,omitempty"`
	Action   string `json:"action,omitempty"`
	Error    string `json:"-"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held and replay
	// reproduced the live projection.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Errors explains every failure. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is every projection row keyed by table.
	State ir.Object `json:"state"`

	// Fingerprint is the canonical digest of State.
	Fingerprint string `json:"fingerprint"`

	// LedgerEvents counts ledger lines, pending included.
	LedgerEvents int `json:"ledger_events"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Steps: []StepResult{}, Errors: []string{}, State: ir.Object{}}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
