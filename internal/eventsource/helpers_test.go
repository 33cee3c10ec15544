package eventsource

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/telemetry"
)

// itemsProjection is a small projection exercising create, transition and
// edge events.
type itemsProjection struct{}

func (itemsProjection) Subsystem() string { return "items" }

func (itemsProjection) Vocabulary() string {
	return `
events: {
	"item.add": close({
		subject_id: string & !=""
		payload: close({label: string & !=""})
	})
	"item.close": close({
		subject_id: string & !=""
		payload: close({})
	})
	"item.link": close({
		subject_id: string & !=""
		payload: close({to: string & !=""})
	})
}
`
}

func (itemsProjection) Migrations() []string {
	return []string{`
CREATE TABLE items (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE links (
	from_id TEXT NOT NULL REFERENCES items(id),
	to_id TEXT NOT NULL REFERENCES items(id),
	PRIMARY KEY (from_id, to_id)
);`}
}

func (itemsProjection) Tables() []store.Table {
	return []store.Table{
		{Name: "items", OrderBy: "id"},
		{Name: "links", OrderBy: "from_id, to_id"},
	}
}

var itemTransitions = Transitions{"closed": {"open"}}

func (itemsProjection) Apply(ctx context.Context, tx *sql.Tx, e ledger.Event) (Result, error) {
	switch e.Type {
	case "item.add":
		label, _ := e.Payload.Str("label")
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, e.SubjectID).Scan(&n); err != nil {
			return Result{}, store.Classify("lookup item", err)
		}
		if n > 0 {
			return Result{}, errclass.ErrValidation.WithMessagef("item %s already exists", e.SubjectID)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO items (id, label, status, updated_at) VALUES (?, ?, 'open', ?)`,
			e.SubjectID, label, e.Timestamp)
		return Result{SubjectID: e.SubjectID, Action: "inserted"}, store.Classify("insert item", err)

	case "item.close":
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM items WHERE id = ?`, e.SubjectID).Scan(&status)
		if err != nil {
			return Result{}, store.Classify("item "+e.SubjectID, err)
		}
		if err := itemTransitions.Check(e.SubjectID, status, "closed"); err != nil {
			return Result{}, err
		}
		_, err = tx.ExecContext(ctx, `UPDATE items SET status = 'closed', updated_at = ? WHERE id = ?`, e.Timestamp, e.SubjectID)
		return Result{SubjectID: e.SubjectID, Action: "closed"}, store.Classify("close item", err)

	case "item.link":
		to, _ := e.Payload.Str("to")
		g, err := LoadGraph(ctx, tx, `SELECT from_id, to_id FROM links`)
		if err != nil {
			return Result{}, err
		}
		if err := g.CheckAcyclic(e.SubjectID, to); err != nil {
			return Result{}, err
		}
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO links (from_id, to_id) VALUES (?, ?)`, e.SubjectID, to)
		return Result{SubjectID: e.SubjectID, Action: "linked"}, store.Classify("insert link", err)
	}
	return Result{}, errclass.ErrValidation.WithMessagef("unhandled event type %q", e.Type)
}

type fixture struct {
	root    string
	broker  *broker.Broker
	source  *Source
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	metrics := telemetry.NewMetrics()
	p := itemsProjection{}
	b := broker.New(audit.NewLog(filepath.Join(root, "broker.events.jsonl")),
		Opener(root, store.Options{}, p), broker.Options{Metrics: metrics})
	src, err := New(root, b, p, Options{Metrics: metrics})
	require.NoError(t, err)
	return &fixture{root: root, broker: b, source: src, metrics: metrics}
}

func (f *fixture) record(t *testing.T, typ, subject string, payload map[string]string) (Recorded, error) {
	t.Helper()
	e := ledger.Event{Type: typ, SubjectID: subject, Payload: toObject(payload)}
	return f.source.Record(context.Background(), "agent-a", "", e)
}

func (f *fixture) mustRecord(t *testing.T, typ, subject string, payload map[string]string) Recorded {
	t.Helper()
	rec, err := f.record(t, typ, subject, payload)
	require.NoError(t, err)
	return rec
}

// liveFingerprint opens the live database outside the broker.
func (f *fixture) liveFingerprint(t *testing.T) string {
	t.Helper()
	s, err := store.Open(f.source.DBPath(), store.Options{Migrations: itemsProjection{}.Migrations()})
	require.NoError(t, err)
	defer s.Close()
	fp, err := Fingerprint(context.Background(), s, itemsProjection{})
	require.NoError(t, err)
	return fp
}

func (f *fixture) ledgerLines(t *testing.T) int {
	t.Helper()
	events, err := ledger.Scan(f.source.LedgerPath())
	if errclass.Code(err) == errclass.ErrNotFound.Code {
		return 0
	}
	require.NoError(t, err)
	return len(events)
}

func toObject(m map[string]string) ir.Object {
	obj := ir.Object{}
	for k, v := range m {
		obj[k] = ir.String(v)
	}
	return obj
}
