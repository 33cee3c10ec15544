package tasks

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

// Subsystem is the ledger, database and store id name.
const Subsystem = "tasks"

// Task statuses.
const (
	StatusOpen     = "open"
	StatusDone     = "done"
	StatusArchived = "archived"
)

//go:embed vocabulary.cue
var vocabulary string

var transitions = eventsource.Transitions{
	StatusDone:     {StatusOpen},
	StatusOpen:     {StatusDone},
	StatusArchived: {StatusOpen, StatusDone},
}

// Projection implements eventsource.Projection for tasks.
type Projection struct{}

// New returns the tasks projection.
func New() Projection { return Projection{} }

func (Projection) Subsystem() string    { return Subsystem }
func (Projection) Vocabulary() string   { return vocabulary }
func (Projection) Migrations() []string { return migrations }

func (Projection) Tables() []store.Table {
	return []store.Table{
		{Name: "tasks", OrderBy: "id"},
		{Name: "task_deps", OrderBy: "task_id, depends_on"},
		{Name: "task_comments", OrderBy: "event_id"},
	}
}

// Apply folds one event into the task tables.
func (Projection) Apply(ctx context.Context, tx *sql.Tx, e ledger.Event) (eventsource.Result, error) {
	res := eventsource.Result{SubjectID: e.SubjectID}
	var err error
	switch e.Type {
	case "task.add":
		res.Action = "inserted"
		err = add(ctx, tx, e)
	case "task.edit":
		res.Action = "edited"
		err = edit(ctx, tx, e)
	case "task.claim":
		res.Action = "claimed"
		err = assign(ctx, tx, e, e.Payload)
	case "task.release":
		res.Action = "released"
		err = assign(ctx, tx, e, nil)
	case "task.done":
		res.Action = StatusDone
		err = transition(ctx, tx, e, StatusDone)
	case "task.reopen":
		res.Action = "reopened"
		err = transition(ctx, tx, e, StatusOpen)
	case "task.archive":
		res.Action = StatusArchived
		err = transition(ctx, tx, e, StatusArchived)
	case "task.depend":
		on, _ := e.Payload.Str("on")
		res.Action = "linked"
		res.Affected = []string{on}
		err = depend(ctx, tx, e, on)
	case "task.undepend":
		on, _ := e.Payload.Str("on")
		res.Action = "unlinked"
		res.Affected = []string{on}
		err = undepend(ctx, tx, e, on)
	case "task.comment":
		res.Action = "commented"
		err = comment(ctx, tx, e)
	default:
		err = errclass.ErrValidation.WithMessagef("unhandled event type %q", e.Type)
	}
	if err != nil {
		return eventsource.Result{}, err
	}
	return res, nil
}

func add(ctx context.Context, tx *sql.Tx, e ledger.Event) error {
	exists, err := taskExists(ctx, tx, e.SubjectID)
	if err != nil {
		return err
	}
	if exists {
		// The task id is the merge key and tasks always reject.
		return eventsource.ConflictError(e.SubjectID, e.SubjectID)
	}

	title, _ := e.Payload.Str("title")
	description, _ := e.Payload.Str("description")
	priority, ok := e.Payload.Str("priority")
	if !ok {
		priority = "medium"
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, priority, tags, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubjectID, title, description, priority, joinStrings(e.Payload["tags"]),
		StatusOpen, e.Actor, e.Timestamp, e.Timestamp,
	)
	if err != nil {
		return store.Classify("insert task", err)
	}

	if deps, ok := e.Payload["depends_on"].(ir.Array); ok {
		for _, d := range deps {
			on, _ := d.(ir.String)
			if err := depend(ctx, tx, e, string(on)); err != nil {
				return err
			}
		}
	}
	return nil
}

func edit(ctx context.Context, tx *sql.Tx, e ledger.Event) error {
	status, err := taskStatus(ctx, tx, e.SubjectID)
	if err != nil {
		return err
	}
	if status == StatusArchived {
		return errclass.ErrValidation.WithMessagef("task %s is archived", e.SubjectID).With("id", e.SubjectID)
	}

	for _, col := range []string{"title", "description", "priority"} {
		v, ok := e.Payload.Str(col)
		if !ok {
			continue
		}
		// Column names come from the fixed list above.
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+col+` = ?, updated_at = ? WHERE id = ?`,
			v, e.Timestamp, e.SubjectID); err != nil {
			return store.Classify("edit task", err)
		}
	}
	return nil
}

// assign sets the assignee from payload, or clears it when payload is nil.
func assign(ctx context.Context, tx *sql.Tx, e ledger.Event, payload ir.Object) error {
	if _, err := taskStatus(ctx, tx, e.SubjectID); err != nil {
		return err
	}
	var (
		to string
		at any
	)
	if payload != nil {
		to, _ = payload.Str("assigned_to")
		at = e.Timestamp
	}
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to = ?, assigned_at = ?, updated_at = ? WHERE id = ?`,
		to, at, e.Timestamp, e.SubjectID)
	return store.Classify("assign task", err)
}

func transition(ctx context.Context, tx *sql.Tx, e ledger.Event, to string) error {
	from, err := taskStatus(ctx, tx, e.SubjectID)
	if err != nil {
		return err
	}
	if err := transitions.Check(e.SubjectID, from, to); err != nil {
		return err
	}

	switch to {
	case StatusDone:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			to, e.Timestamp, e.Timestamp, e.SubjectID)
	case StatusArchived:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ?, closed_at = ? WHERE id = ?`,
			to, e.Timestamp, e.Timestamp, e.SubjectID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ?, completed_at = NULL WHERE id = ?`,
			to, e.Timestamp, e.SubjectID)
	}
	return store.Classify("transition task", err)
}

func depend(ctx context.Context, tx *sql.Tx, e ledger.Event, on string) error {
	for _, id := range []string{e.SubjectID, on} {
		if _, err := taskStatus(ctx, tx, id); err != nil {
			return err
		}
	}
	g, err := eventsource.LoadGraph(ctx, tx, `SELECT task_id, depends_on FROM task_deps`)
	if err != nil {
		return err
	}
	if err := g.CheckAcyclic(e.SubjectID, on); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
		e.SubjectID, on, e.Timestamp)
	return store.Classify("insert dependency", err)
}

func undepend(ctx context.Context, tx *sql.Tx, e ledger.Event, on string) error {
	r, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id = ? AND depends_on = ?`, e.SubjectID, on)
	if err != nil {
		return store.Classify("delete dependency", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return errclass.ErrNotFound.
			WithMessagef("task %s does not depend on %s", e.SubjectID, on).
			With("id", e.SubjectID)
	}
	return nil
}

func comment(ctx context.Context, tx *sql.Tx, e ledger.Event) error {
	if _, err := taskStatus(ctx, tx, e.SubjectID); err != nil {
		return err
	}
	body, _ := e.Payload.Str("body")
	_, err := tx.ExecContext(ctx, `INSERT INTO task_comments (event_id, task_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.EventID, e.SubjectID, e.Actor, body, e.Timestamp)
	return store.Classify("insert comment", err)
}

func taskExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return false, store.Classify("lookup task", err)
	}
	return n > 0, nil
}

// taskStatus returns the status of id, or E_NOT_FOUND.
func taskStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", store.Classify("task "+id, err)
	}
	return status, nil
}

func joinStrings(v ir.Value) string {
	arr, ok := v.(ir.Array)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(arr))
	for _, elem := range arr {
		if s, ok := elem.(ir.String); ok {
			parts = append(parts, string(s))
		}
	}
	return strings.Join(parts, ",")
}
