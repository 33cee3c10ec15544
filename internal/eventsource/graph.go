package eventsource

import (
	"context"
	"database/sql"
	"slices"
	"strings"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/store"
)

// Graph is a snapshot of directed edges, from → to.
type Graph map[string][]string

// AddEdge adds from → to. Duplicate edges are kept once.
func (g Graph) AddEdge(from, to string) {
	if !slices.Contains(g[from], to) {
		g[from] = append(g[from], to)
	}
}

// WouldCycle reports whether adding from → to closes a cycle. When it
// does, path is the existing route to → ... → from followed by to, so it
// reads as the cycle the new edge would create.
//
// The search is a depth-first walk from to looking for from. Neighbours
// are visited in sorted order so the reported path is deterministic.
func (g Graph) WouldCycle(from, to string) (path []string, cycle bool) {
	if from == to {
		return []string{from, to}, true
	}

	parent := map[string]string{to: ""}
	stack := []string{to}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == from {
			var rev []string
			for n := from; n != ""; n = parent[n] {
				rev = append(rev, n)
			}
			slices.Reverse(rev)
			return append(rev, to), true
		}

		next := slices.Clone(g[node])
		slices.Sort(next)
		// Push in reverse so the smallest neighbour is explored first.
		for i := len(next) - 1; i >= 0; i-- {
			n := next[i]
			if _, seen := parent[n]; seen {
				continue
			}
			parent[n] = node
			stack = append(stack, n)
		}
	}
	return nil, false
}

// CheckAcyclic returns E_VALIDATION naming the cycle when from → to would
// close one.
func (g Graph) CheckAcyclic(from, to string) error {
	path, cycle := g.WouldCycle(from, to)
	if !cycle {
		return nil
	}
	return errclass.ErrValidation.
		WithMessagef("edge %s -> %s would create a cycle", from, to).
		With("from", from).
		With("to", to).
		With("cycle", strings.Join(path, " -> "))
}

// LoadGraph builds a snapshot from a query returning (from, to) rows.
func LoadGraph(ctx context.Context, tx *sql.Tx, query string, args ...any) (Graph, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify("load graph", err)
	}
	defer rows.Close()

	g := Graph{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, store.Classify("load graph", err)
		}
		g.AddEdge(from, to)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify("load graph", err)
	}
	return g, nil
}

// Transitions maps a target status to the statuses it may be entered from.
type Transitions map[string][]string

// Check returns E_VALIDATION when subject may not move from → to.
func (t Transitions) Check(subject, from, to string) error {
	allowed, known := t[to]
	if !known {
		return errclass.ErrValidation.
			WithMessagef("unknown status %q", to).
			With("id", subject)
	}
	if slices.Contains(allowed, from) {
		return nil
	}
	return errclass.ErrValidation.
		WithMessagef("%s cannot move from %s to %s", subject, from, to).
		With("id", subject).
		With("from", from).
		With("to", to).
		With("allowed_from", strings.Join(allowed, ","))
}

// MergePolicy decides what happens when a create names a merge key that
// an active row already holds.
type MergePolicy string

const (
	// MergeReject fails the create.
	MergeReject MergePolicy = "reject"
	// MergeSupersede retires the existing row and links the new one to it.
	MergeSupersede MergePolicy = "supersede"
	// MergeMerge updates the existing row in place.
	MergeMerge MergePolicy = "merge"
)

// ParseMergePolicy parses s, returning def when s is empty.
func ParseMergePolicy(s string, def MergePolicy) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "":
		return def, nil
	case MergeReject, MergeSupersede, MergeMerge:
		return MergePolicy(s), nil
	}
	return "", errclass.ErrValidation.
		WithMessagef("invalid conflict policy %q, expected merge|supersede|reject", s)
}

// ConflictError is the failure for MergeReject.
func ConflictError(mergeKey, existingID string) error {
	return errclass.ErrValidation.
		WithMessage("merge_key conflict: active entry already exists and on_conflict=reject").
		With("merge_key", mergeKey).
		With("existing_id", existingID)
}
