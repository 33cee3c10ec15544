package eventsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

func TestRecord_AppliesAndAppends(t *testing.T) {
	f := newFixture(t)

	rec := f.mustRecord(t, "item.add", "i1", map[string]string{"label": "first"})
	assert.Equal(t, "inserted", rec.Result.Action)
	assert.Equal(t, "agent-a", rec.Event.Actor)
	assert.Len(t, rec.Event.ContentHash, 64)

	f.mustRecord(t, "item.close", "i1", nil)

	events, err := ledger.Scan(f.source.LedgerPath())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, rec.Event, events[0])

	records, err := audit.Read(f.broker.AuditLog().Path())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "item.add", records[0].Operation)
	assert.Equal(t, "items", records[0].StoreID)
	assert.True(t, strings.HasPrefix(records[0].IntentRef, "intent:auto:item.add:"))
}

func TestRecord_RejectedEventsLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		subject string
		payload map[string]string
	}{
		{"unknown type", "item.explode", "i1", nil},
		{"schema violation", "item.add", "i2", map[string]string{"label": ""}},
		{"duplicate create", "item.add", "i1", map[string]string{"label": "again"}},
		{"bad transition", "item.close", "missing", nil},
		{"cycle", "item.link", "i2", map[string]string{"to": "i1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})
			f.mustRecord(t, "item.add", "i2", map[string]string{"label": "two"})
			f.mustRecord(t, "item.link", "i1", map[string]string{"to": "i2"})
			before := f.liveFingerprint(t)

			_, err := f.record(t, tt.typ, tt.subject, tt.payload)
			require.Error(t, err)
			assert.NotEmpty(t, errclass.Code(err))

			assert.Equal(t, 3, f.ledgerLines(t), "ledger must not grow")
			assert.Equal(t, before, f.liveFingerprint(t), "projection must not change")

			records, err := audit.Read(f.broker.AuditLog().Path())
			require.NoError(t, err)
			require.Len(t, records, 4)
			assert.Equal(t, audit.OutcomeError, records[3].Outcome)
		})
	}
}

func TestRecord_PendingIsAppendedNotApplied(t *testing.T) {
	f := newFixture(t)
	before := f.liveFingerprint(t)

	_, err := f.source.Record(context.Background(), "agent-a", "", ledger.Event{
		Type:      "item.add",
		SubjectID: "i1",
		Status:    ledger.StatusPending,
		Payload:   toObject(map[string]string{"label": "later"}),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.ledgerLines(t))
	assert.Equal(t, before, f.liveFingerprint(t))
}

func TestValidate_InSync(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})
	f.mustRecord(t, "item.close", "i1", nil)

	report, err := f.source.Validate(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, report.InSync())
	assert.Equal(t, ReplayStats{Events: 2, Applied: 2}, report.Stats)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DriftChecks.WithLabelValues("items", "match")))
}

func TestValidate_EmptyStateIsInSync(t *testing.T) {
	f := newFixture(t)
	report, err := f.source.Validate(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, report.InSync())
	assert.Zero(t, report.Stats.Events)
}

func tamperLive(t *testing.T, f *fixture, stmt string) {
	t.Helper()
	s, err := store.Open(f.source.DBPath(), store.Options{Migrations: itemsProjection{}.Migrations()})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.DB().Exec(stmt)
	require.NoError(t, err)
}

func TestValidate_DetectsDriftAndRebuildHeals(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})
	f.mustRecord(t, "item.add", "i2", map[string]string{"label": "two"})

	tamperLive(t, f, `UPDATE items SET label = 'edited by hand' WHERE id = 'i1'`)

	report, err := f.source.Validate(context.Background(), "agent-a")
	require.ErrorIs(t, err, errclass.ErrValidation)
	assert.False(t, report.InSync())
	assert.Equal(t, report.Live, errclass.DetailsOf(err)["live"])
	assert.Equal(t, report.Replayed, errclass.DetailsOf(err)["replay"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DriftChecks.WithLabelValues("items", "drift")))

	rebuilt, err := f.source.Rebuild(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, report.Replayed, rebuilt.Fingerprint)
	assert.Equal(t, 2, rebuilt.Stats.Applied)

	report, err = f.source.Validate(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, report.InSync())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rebuilds.WithLabelValues("items", "success")))
}

func TestValidate_LedgerAheadOfProjectionHealsOnRebuild(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})

	// A writer whose transaction landed in a replaced generation leaves
	// its ledger line without a live row.
	other := ledger.New(f.source.LedgerPath())
	e, err := other.Prepare(ledger.Event{Type: "item.add", SubjectID: "i2", Actor: "agent-b", Payload: toObject(map[string]string{"label": "two"})})
	require.NoError(t, err)
	require.NoError(t, other.Append(e))

	report, err := f.source.Validate(context.Background(), "agent-a")
	require.ErrorIs(t, err, errclass.ErrValidation)
	assert.False(t, report.InSync())

	rebuilt, err := f.source.Rebuild(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt.Stats.Applied)

	report, err = f.source.Validate(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, report.InSync())
}

func TestRebuild_SwapsGenerationCleanly(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})

	_, err := f.source.Rebuild(context.Background(), "agent-a")
	require.NoError(t, err)

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"broker.events.jsonl", "items.db", "items.events.jsonl"}, names)

	// The swapped-in database is usable through the broker again.
	f.mustRecord(t, "item.close", "i1", nil)
	report, err := f.source.Validate(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, report.InSync())
}

func TestRebuild_WithoutLedgerYieldsEmptyProjection(t *testing.T) {
	f := newFixture(t)
	report, err := f.source.Rebuild(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Zero(t, report.Stats.Events)

	records, err := audit.Read(f.broker.AuditLog().Path())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "items.rebuild", records[0].Operation)
}

func TestRebuild_CorruptLedgerKeepsLiveProjection(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})
	before := f.liveFingerprint(t)

	fh, err := os.OpenFile(f.source.LedgerPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, err = f.source.Rebuild(context.Background(), "agent-a")
	require.ErrorIs(t, err, errclass.ErrCorruption)
	assert.Equal(t, "2", errclass.DetailsOf(err)["line"])
	assert.Equal(t, before, f.liveFingerprint(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rebuilds.WithLabelValues("items", "error")))

	_, statErr := os.Stat(filepath.Join(f.root, ".items.db.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReplay_MissingLedgerIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Replay(context.Background(), itemsProjection{}, nil,
		filepath.Join(dir, "items.events.jsonl"), filepath.Join(dir, "items.db"), store.Options{})
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestReplay_SkipsPendingEvents(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, "item.add", "i1", map[string]string{"label": "one"})
	clean := filepath.Join(t.TempDir(), "clean.db")
	_, err := f.source.Replay(context.Background(), clean)
	require.NoError(t, err)

	// A pending event that would fail if applied must not matter.
	_, err = f.source.Record(context.Background(), "agent-a", "", ledger.Event{
		Type: "item.add", SubjectID: "i1", Status: ledger.StatusPending,
		Payload: toObject(map[string]string{"label": "duplicate"}),
	})
	require.NoError(t, err)

	withPending := filepath.Join(t.TempDir(), "pending.db")
	stats, err := f.source.Replay(context.Background(), withPending)
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Events: 2, Applied: 1, Skipped: 1}, stats)
	assert.Equal(t, fingerprintAt(t, clean), fingerprintAt(t, withPending))
}

func TestOpener_UnknownStore(t *testing.T) {
	open := Opener(t.TempDir(), store.Options{}, itemsProjection{})
	_, err := open(context.Background(), "nope")
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func fingerprintAt(t *testing.T, path string) string {
	t.Helper()
	s, err := store.Open(path, store.Options{Migrations: itemsProjection{}.Migrations()})
	require.NoError(t, err)
	defer s.Close()
	fp, err := Fingerprint(context.Background(), s, itemsProjection{})
	require.NoError(t, err)
	return fp
}

// applyOps decodes small integers into item operations and records them.
// Failures such as cycles are expected and ignored: only the ledger
// matters for the properties below.
func applyOps(t *testing.T, src *Source, ops []int) {
	for _, n := range ops {
		a := fmt.Sprintf("i%d", (n/4)%5)
		b := fmt.Sprintf("i%d", (n/20)%5)
		var e ledger.Event
		switch n % 4 {
		case 0:
			e = ledger.Event{Type: "item.add", SubjectID: a, Payload: toObject(map[string]string{"label": "L" + b})}
		case 1:
			e = ledger.Event{Type: "item.link", SubjectID: a, Payload: toObject(map[string]string{"to": b})}
		case 2:
			e = ledger.Event{Type: "item.close", SubjectID: a}
		case 3:
			e = ledger.Event{Type: "item.add", SubjectID: b, Status: ledger.StatusPending,
				Payload: toObject(map[string]string{"label": "pending"})}
		}
		_, _ = src.Record(context.Background(), "agent-a", "", e)
	}
}

func TestReplay_DeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("live state equals replay and replays agree", prop.ForAll(
		func(ops []int) bool {
			root, err := os.MkdirTemp(t.TempDir(), "prop-")
			if err != nil {
				return false
			}
			p := itemsProjection{}
			b := broker.New(audit.NewLog(filepath.Join(root, "audit.jsonl")), Opener(root, store.Options{}, p), broker.Options{})
			src, err := New(root, b, p, Options{})
			if err != nil {
				return false
			}
			applyOps(t, src, ops)

			report, err := src.Validate(context.Background(), "prop")
			if err != nil || !report.InSync() {
				return false
			}

			first := filepath.Join(root, "r1.db")
			second := filepath.Join(root, "r2.db")
			if _, err := src.Replay(context.Background(), first); err != nil {
				return false
			}
			if _, err := src.Replay(context.Background(), second); err != nil {
				return false
			}
			return fingerprintAt(t, first) == fingerprintAt(t, second) &&
				fingerprintAt(t, first) == report.Live
		},
		gen.SliceOfN(12, gen.IntRange(0, 99)),
	))

	properties.TestingRun(t)
}
