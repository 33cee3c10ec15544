package knowledge

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"slices"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

// Subsystem is the ledger, database and store id name.
const Subsystem = "knowledge"

// Node statuses. Superseded is terminal.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusStale      = "stale"
	StatusSuperseded = "superseded"
)

// EdgeSupersedes links a node to the node it replaced.
const EdgeSupersedes = "supersedes"

// acyclicEdges are the edge types whose graphs must stay acyclic. Other
// types (relates_to, contradicts, refines) may be symmetric.
var acyclicEdges = []string{"depends_on", "derived_from", EdgeSupersedes}

// DefaultPolicy applies when node.create names a merge key but no policy.
const DefaultPolicy = eventsource.MergeMerge

//go:embed vocabulary.cue
var vocabulary string

var transitions = eventsource.Transitions{
	StatusDeprecated: {StatusActive, StatusStale},
	StatusStale:      {StatusActive},
	StatusActive:     {StatusStale},
	StatusSuperseded: {StatusActive},
}

// Projection implements eventsource.Projection for the knowledge graph.
type Projection struct{}

// New returns the knowledge projection.
func New() Projection { return Projection{} }

func (Projection) Subsystem() string    { return Subsystem }
func (Projection) Vocabulary() string   { return vocabulary }
func (Projection) Migrations() []string { return migrations }

func (Projection) Tables() []store.Table {
	return []store.Table{
		{Name: "nodes", OrderBy: "id"},
		{Name: "edges", OrderBy: "id"},
	}
}

// Apply folds one event into the graph.
func (Projection) Apply(ctx context.Context, tx *sql.Tx, e ledger.Event) (eventsource.Result, error) {
	switch e.Type {
	case "node.create":
		return create(ctx, tx, e)
	case "node.supersede":
		old, _ := e.Payload.Str("old")
		if err := supersede(ctx, tx, e, e.SubjectID, old); err != nil {
			return eventsource.Result{}, err
		}
		return eventsource.Result{SubjectID: e.SubjectID, Action: "superseded", Affected: []string{old}}, nil
	case "node.transition":
		to, _ := e.Payload.Str("status")
		if err := transition(ctx, tx, e, to); err != nil {
			return eventsource.Result{}, err
		}
		return eventsource.Result{SubjectID: e.SubjectID, Action: to}, nil
	case "edge.add":
		to, _ := e.Payload.Str("to")
		typ, _ := e.Payload.Str("type")
		id, err := addEdge(ctx, tx, e, e.SubjectID, to, typ)
		if err != nil {
			return eventsource.Result{}, err
		}
		return eventsource.Result{SubjectID: e.SubjectID, Action: "linked", Affected: []string{to, id}}, nil
	case "edge.remove":
		to, _ := e.Payload.Str("to")
		typ, _ := e.Payload.Str("type")
		if err := removeEdge(ctx, tx, e.SubjectID, to, typ); err != nil {
			return eventsource.Result{}, err
		}
		return eventsource.Result{SubjectID: e.SubjectID, Action: "unlinked", Affected: []string{to}}, nil
	}
	return eventsource.Result{}, errclass.ErrValidation.WithMessagef("unhandled event type %q", e.Type)
}

func create(ctx context.Context, tx *sql.Tx, e ledger.Event) (eventsource.Result, error) {
	if _, err := nodeStatus(ctx, tx, e.SubjectID); err == nil {
		return eventsource.Result{}, errclass.ErrValidation.
			WithMessagef("node %s already exists", e.SubjectID).
			With("id", e.SubjectID)
	} else if !errors.Is(err, errclass.ErrNotFound) {
		return eventsource.Result{}, err
	}

	onConflict, _ := e.Payload.Str("on_conflict")
	policy, err := eventsource.ParseMergePolicy(onConflict, DefaultPolicy)
	if err != nil {
		return eventsource.Result{}, err
	}

	mergeKey, hasKey := e.Payload.Str("merge_key")
	if !hasKey {
		return eventsource.Result{SubjectID: e.SubjectID, Action: "inserted"}, insertNode(ctx, tx, e, "")
	}

	existing, err := activeByMergeKey(ctx, tx, mergeKey)
	if err != nil {
		return eventsource.Result{}, err
	}
	if existing == "" {
		return eventsource.Result{SubjectID: e.SubjectID, Action: "inserted"}, insertNode(ctx, tx, e, "")
	}

	switch policy {
	case eventsource.MergeReject:
		return eventsource.Result{}, eventsource.ConflictError(mergeKey, existing)

	case eventsource.MergeMerge:
		_, err := tx.ExecContext(ctx, `
			UPDATE nodes
			SET title = ?, content = ?, provenance = ?, claim_id = ?, ttl_policy = ?, expires_ts = ?, updated_at = ?
			WHERE id = ?`,
			str(e.Payload, "title"), str(e.Payload, "content"), str(e.Payload, "provenance"),
			nullable(e.Payload, "claim_id"), ttlPolicy(e.Payload), nullable(e.Payload, "expires_ts"),
			e.Timestamp, existing,
		)
		if err != nil {
			return eventsource.Result{}, store.Classify("merge node", err)
		}
		return eventsource.Result{SubjectID: existing, Action: "merged"}, nil

	default: // supersede
		if err := insertNode(ctx, tx, e, existing); err != nil {
			return eventsource.Result{}, err
		}
		if err := supersede(ctx, tx, e, e.SubjectID, existing); err != nil {
			return eventsource.Result{}, err
		}
		return eventsource.Result{SubjectID: e.SubjectID, Action: "superseded", Affected: []string{existing}}, nil
	}
}

func insertNode(ctx context.Context, tx *sql.Tx, e ledger.Event, supersedes string) error {
	kind, ok := e.Payload.Str("kind")
	if !ok {
		kind = "note"
	}
	var supersedesID any
	if supersedes != "" {
		supersedesID = supersedes
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, kind, title, content, provenance, claim_id, merge_key, status,
		                   ttl_policy, expires_ts, supersedes_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubjectID, kind, str(e.Payload, "title"), str(e.Payload, "content"), str(e.Payload, "provenance"),
		nullable(e.Payload, "claim_id"), nullable(e.Payload, "merge_key"), StatusActive,
		ttlPolicy(e.Payload), nullable(e.Payload, "expires_ts"), supersedesID,
		e.Actor, e.Timestamp, e.Timestamp,
	)
	return store.Classify("insert node", err)
}

// supersede retires old in favour of newID. The supersedes edges must stay
// acyclic and old must be active.
func supersede(ctx context.Context, tx *sql.Tx, e ledger.Event, newID, old string) error {
	if _, err := nodeStatus(ctx, tx, newID); err != nil {
		return err
	}
	oldStatus, err := nodeStatus(ctx, tx, old)
	if err != nil {
		return err
	}

	g, err := eventsource.LoadGraph(ctx, tx, `SELECT from_id, to_id FROM edges WHERE type = ?`, EdgeSupersedes)
	if err != nil {
		return err
	}
	if err := g.CheckAcyclic(newID, old); err != nil {
		return err
	}
	if err := transitions.Check(old, oldStatus, StatusSuperseded); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`,
		StatusSuperseded, e.Timestamp, old); err != nil {
		return store.Classify("supersede node", err)
	}
	return insertEdge(ctx, tx, e, newID, old, EdgeSupersedes)
}

func transition(ctx context.Context, tx *sql.Tx, e ledger.Event, to string) error {
	from, err := nodeStatus(ctx, tx, e.SubjectID)
	if err != nil {
		return err
	}
	if err := transitions.Check(e.SubjectID, from, to); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`, to, e.Timestamp, e.SubjectID)
	return store.Classify("transition node", err)
}

func addEdge(ctx context.Context, tx *sql.Tx, e ledger.Event, from, to, typ string) (string, error) {
	if from == to {
		return "", errclass.ErrValidation.
			WithMessagef("edge %s -[%s]-> %s points at itself", from, typ, to).
			With("id", from)
	}
	for _, id := range []string{from, to} {
		if _, err := nodeStatus(ctx, tx, id); err != nil {
			return "", err
		}
	}
	g, err := eventsource.LoadGraph(ctx, tx, `SELECT from_id, to_id FROM edges WHERE type = ?`, typ)
	if err != nil {
		return "", err
	}
	if slices.Contains(g[from], to) {
		return "", errclass.ErrValidation.
			WithMessagef("edge %s -[%s]-> %s already exists", from, typ, to).
			With("id", EdgeID(from, to, typ))
	}
	if slices.Contains(acyclicEdges, typ) {
		if err := g.CheckAcyclic(from, to); err != nil {
			return "", err
		}
	}
	return EdgeID(from, to, typ), insertEdge(ctx, tx, e, from, to, typ)
}

func insertEdge(ctx context.Context, tx *sql.Tx, e ledger.Event, from, to, typ string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO edges (id, from_id, to_id, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		EdgeID(from, to, typ), from, to, typ, e.Timestamp)
	return store.Classify("insert edge", err)
}

func removeEdge(ctx context.Context, tx *sql.Tx, from, to, typ string) error {
	r, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? AND to_id = ? AND type = ?`, from, to, typ)
	if err != nil {
		return store.Classify("delete edge", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return errclass.ErrNotFound.
			WithMessagef("no %s edge from %s to %s", typ, from, to).
			With("id", EdgeID(from, to, typ))
	}
	return nil
}

// EdgeID is the identifier of the typed edge from → to. It depends only on
// the edge itself, so replay derives the same id.
func EdgeID(from, to, typ string) string {
	return ir.DerivedID("edge", from, typ, to)
}

func nodeStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM nodes WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", store.Classify("node "+id, err)
	}
	return status, nil
}

// activeByMergeKey returns the active node holding key, or "".
func activeByMergeKey(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE merge_key = ? AND status = ? ORDER BY id LIMIT 1`, key, StatusActive).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify("lookup merge key", err)
	}
	return id, nil
}

func str(obj ir.Object, key string) string {
	s, _ := obj.Str(key)
	return s
}

func nullable(obj ir.Object, key string) any {
	if s, ok := obj.Str(key); ok {
		return s
	}
	return nil
}

func ttlPolicy(obj ir.Object) string {
	if s, ok := obj.Str("ttl_policy"); ok {
		return s
	}
	return "persistent"
}
