package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/clock"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/logging"
	"github.com/roach88/keel/internal/projection"
	"github.com/roach88/keel/internal/store"
)

// Options configures a run.
type Options struct {
	// Dir holds the scenario's state directory. Empty means a fresh
	// temporary directory removed after the run.
	Dir    string
	Logger *slog.Logger
}

// Run executes a scenario in an isolated state directory.
//
// Execution flow:
//  1. Open the subsystem's projection, ledger and audit log under a broker
//  2. Record each step and compare its outcome with the step's expect
//  3. Dump the projection and evaluate assertions
//  4. Replay the ledger into a scratch database and compare fingerprints
//
// The returned error covers harness failures only; scenario failures are
// reported in Result.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	p, err := projection.Lookup(sc.Subsystem)
	if err != nil {
		return nil, err
	}

	root := opts.Dir
	if root == "" {
		if root, err = os.MkdirTemp("", "keel-harness-*"); err != nil {
			return nil, fmt.Errorf("create harness dir: %w", err)
		}
		defer os.RemoveAll(root)
	}

	logger := logging.OrDiscard(opts.Logger)
	b := broker.New(
		audit.NewLog(filepath.Join(root, "broker.events.jsonl"), audit.WithClock(clock.NewDeterministic())),
		eventsource.Opener(root, store.Options{}, p),
		broker.Options{Logger: logger},
	)
	src, err := eventsource.New(root, b, p, eventsource.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range sc.Steps {
		result.Steps = append(result.Steps, runStep(ctx, src, sc, i, step, result))
	}

	actor := sc.Actor
	if actor == "" {
		actor = DefaultActor
	}
	err = src.Read(ctx, actor, "read.harness", func(ctx context.Context, st *store.Store) error {
		dump, err := st.Dump(ctx, p.Tables())
		if err != nil {
			return err
		}
		result.State = dump
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dump projection: %w", err)
	}
	if result.Fingerprint, err = ir.Digest(ir.DomainFingerprint, result.State); err != nil {
		return nil, err
	}

	events, err := ledger.Scan(src.LedgerPath())
	switch {
	case err == nil:
		result.LedgerEvents = len(events)
	case !errors.Is(err, errclass.ErrNotFound):
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, sc.Assertions) {
		result.AddError(msg)
	}

	drift, err := src.Validate(ctx, actor)
	switch {
	case err == nil:
	case errors.Is(err, errclass.ErrValidation):
		result.AddError(fmt.Sprintf("replay drift: live %s, replayed %s", drift.Live, drift.Replayed))
	default:
		return nil, fmt.Errorf("validate: %w", err)
	}
	return result, nil
}

// runStep records one step with its fixed id and timestamp and checks
// the outcome against step.Expect.
func runStep(ctx context.Context, src *eventsource.Source, sc *Scenario, i int, step Step, result *Result) StepResult {
	actor := step.Actor
	if actor == "" {
		actor = sc.Actor
	}
	if actor == "" {
		actor = DefaultActor
	}
	out := StepResult{Index: i + 1, Event: step.Event, Subject: step.Subject}

	payload := ir.Object{}
	if step.Payload != nil {
		v, err := ir.FromGo(step.Payload)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: payload: %v", i, err))
			out.Outcome = errclass.ErrValidation.Code
			return out
		}
		payload = v.(ir.Object)
	}

	e := ledger.Event{
		EventID:   fmt.Sprintf("evt-%04d", i+1),
		Timestamp: clock.Epoch.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		Type:      step.Event,
		SubjectID: step.Subject,
		Payload:   payload,
	}
	if step.Pending {
		e.Status = ledger.StatusPending
	}

	rec, err := src.Record(ctx, actor, "", e)
	if err != nil {
		out.Outcome = errclass.Code(err)
		if out.Outcome == "" {
			out.Outcome = "error"
		}
		out.Error = err.Error()
	} else {
		out.Outcome = OutcomeSuccess
		out.Action = rec.Result.Action
		if rec.Result.SubjectID != step.Subject {
			out.Resolved = rec.Result.SubjectID
		}
	}

	for _, msg := range checkExpect(i, step.Expect, out) {
		result.AddError(msg)
	}
	return out
}

func checkExpect(i int, want *Expect, got StepResult) []string {
	if want == nil {
		want = &Expect{}
	}
	var errs []string
	wantOutcome := OutcomeSuccess
	if want.Error != "" {
		wantOutcome = want.Error
	}
	if got.Outcome != wantOutcome {
		msg := fmt.Sprintf("steps[%d] %s: expected %s, got %s", i, got.Event, wantOutcome, got.Outcome)
		if got.Error != "" {
			msg += ": " + got.Error
		}
		return append(errs, msg)
	}
	if want.Contains != "" && !strings.Contains(got.Error, want.Contains) {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: error %q does not contain %q", i, got.Event, got.Error, want.Contains))
	}
	if want.Subject != "" {
		resolved := got.Resolved
		if resolved == "" {
			resolved = got.Subject
		}
		if resolved != want.Subject {
			errs = append(errs, fmt.Sprintf("steps[%d] %s: expected subject %s, got %s", i, got.Event, want.Subject, resolved))
		}
	}
	if want.Action != "" && got.Action != want.Action {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: expected action %s, got %s", i, got.Event, want.Action, got.Action))
	}
	return errs
}
