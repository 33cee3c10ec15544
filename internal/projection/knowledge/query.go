package knowledge

import (
	"context"

	"github.com/roach88/keel/internal/store"
)

// Node is one row of the nodes table.
type Node struct {
	ID           string `json:"id" yaml:"id"`
	Kind         string `json:"kind" yaml:"kind"`
	Title        string `json:"title" yaml:"title"`
	Content      string `json:"content,omitempty" yaml:"content,omitempty"`
	Provenance   string `json:"provenance" yaml:"provenance"`
	ClaimID      string `json:"claim_id,omitempty" yaml:"claim_id,omitempty"`
	MergeKey     string `json:"merge_key,omitempty" yaml:"merge_key,omitempty"`
	Status       string `json:"status" yaml:"status"`
	TTLPolicy    string `json:"ttl_policy" yaml:"ttl_policy"`
	ExpiresTS    string `json:"expires_ts,omitempty" yaml:"expires_ts,omitempty"`
	SupersedesID string `json:"supersedes_id,omitempty" yaml:"supersedes_id,omitempty"`
	CreatedBy    string `json:"created_by" yaml:"created_by"`
	CreatedAt    string `json:"created_at" yaml:"created_at"`
	UpdatedAt    string `json:"updated_at" yaml:"updated_at"`
}

// Edge is one row of the edges table.
type Edge struct {
	ID        string `json:"id" yaml:"id"`
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Type      string `json:"type" yaml:"type"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}

const selectNode = `
	SELECT id, kind, title, content, provenance, COALESCE(claim_id, ''), COALESCE(merge_key, ''),
	       status, ttl_policy, COALESCE(expires_ts, ''), COALESCE(supersedes_id, ''),
	       created_by, created_at, updated_at
	FROM nodes`

// Nodes returns nodes ordered by id, optionally filtered by status.
func Nodes(ctx context.Context, s *store.Store, status string) ([]Node, error) {
	rows, err := s.DB().QueryContext(ctx, selectNode+` WHERE (? = '' OR status = ?) ORDER BY id`, status, status)
	if err != nil {
		return nil, store.Classify("list nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, store.Classify("list nodes", rows.Err())
}

// GetNode returns one node, or E_NOT_FOUND.
func GetNode(ctx context.Context, s *store.Store, id string) (Node, error) {
	return scanNode(s.DB().QueryRowContext(ctx, selectNode+` WHERE id = ?`, id))
}

// Edges returns every edge touching id, ordered by edge id. An empty id
// returns all edges.
func Edges(ctx context.Context, s *store.Store, id string) ([]Edge, error) {
	rows, err := s.DB().QueryContext(ctx, `
		SELECT id, from_id, to_id, type, created_at FROM edges
		WHERE ? = '' OR from_id = ? OR to_id = ?
		ORDER BY id`, id, id, id)
	if err != nil {
		return nil, store.Classify("list edges", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Type, &e.CreatedAt); err != nil {
			return nil, store.Classify("list edges", err)
		}
		out = append(out, e)
	}
	return out, store.Classify("list edges", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.Kind, &n.Title, &n.Content, &n.Provenance, &n.ClaimID, &n.MergeKey,
		&n.Status, &n.TTLPolicy, &n.ExpiresTS, &n.SupersedesID, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Node{}, store.Classify("scan node", err)
	}
	return n, nil
}
