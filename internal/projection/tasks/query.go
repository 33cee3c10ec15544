package tasks

import (
	"context"

	"github.com/roach88/keel/internal/store"
)

// Task is one row of the tasks table.
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    string   `json:"priority" yaml:"priority"`
	Tags        string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Status      string   `json:"status" yaml:"status"`
	AssignedTo  string   `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	CreatedBy   string   `json:"created_by" yaml:"created_by"`
	CreatedAt   string   `json:"created_at" yaml:"created_at"`
	UpdatedAt   string   `json:"updated_at" yaml:"updated_at"`
	CompletedAt string   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ClosedAt    string   `json:"closed_at,omitempty" yaml:"closed_at,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

const selectTask = `
	SELECT id, title, description, priority, tags, status, assigned_to,
	       created_by, created_at, updated_at,
	       COALESCE(completed_at, ''), COALESCE(closed_at, '')
	FROM tasks`

// List returns tasks ordered by id, optionally filtered by status.
func List(ctx context.Context, s *store.Store, status string) ([]Task, error) {
	query := selectTask + ` WHERE (? = '' OR status = ?) ORDER BY id`
	rows, err := s.DB().QueryContext(ctx, query, status, status)
	if err != nil {
		return nil, store.Classify("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify("list tasks", err)
	}

	deps, err := allDependencies(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn = deps[out[i].ID]
	}
	return out, nil
}

// Get returns one task with its dependencies, or E_NOT_FOUND.
func Get(ctx context.Context, s *store.Store, id string) (Task, error) {
	row := s.DB().QueryRowContext(ctx, selectTask+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	deps, err := allDependencies(ctx, s)
	if err != nil {
		return Task{}, err
	}
	t.DependsOn = deps[id]
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Tags, &t.Status, &t.AssignedTo,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.ClosedAt)
	if err != nil {
		return Task{}, store.Classify("scan task", err)
	}
	return t, nil
}

func allDependencies(ctx context.Context, s *store.Store) (map[string][]string, error) {
	rows, err := s.DB().QueryContext(ctx, `SELECT task_id, depends_on FROM task_deps ORDER BY task_id, depends_on`)
	if err != nil {
		return nil, store.Classify("list dependencies", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, store.Classify("list dependencies", err)
		}
		deps[from] = append(deps[from], to)
	}
	return deps, store.Classify("list dependencies", rows.Err())
}
