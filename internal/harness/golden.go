package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/keel/internal/ir"
)

// Snapshot is the golden form of a run: step outcomes, final rows and
// their fingerprint, in canonical JSON.
func Snapshot(name string, r *Result) ([]byte, error) {
	steps := make(ir.Array, len(r.Steps))
	for i, s := range r.Steps {
		obj := ir.Object{
			"index":   ir.Int(s.Index),
			"event":   ir.String(s.Event),
			"outcome": ir.String(s.Outcome),
		}
		if s.Subject != "" {
			obj["subject"] = ir.String(s.Subject)
		}
		if s.Resolved != "" {
			obj["resolved"] = ir.String(s.Resolved)
		}
		if s.Action != "" {
			obj["action"] = ir.String(s.Action)
		}
		steps[i] = obj
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario":      ir.String(name),
		"steps":         steps,
		"state":         r.State,
		"fingerprint":   ir.String(r.Fingerprint),
		"ledger_events": ir.Int(r.LedgerEvents),
	})
}

// RunWithGolden runs the scenario, fails the test if it does not pass, and
// compares its snapshot with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), sc, Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("run scenario %s: %v", sc.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s failed:\n%v", sc.Name, result.Errors)
	}

	snapshot, err := Snapshot(sc.Name, result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", sc.Name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, snapshot)
	return result
}
