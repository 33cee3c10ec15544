package statecommit

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/errclass"
)

// Side places a sibling digest relative to the running hash.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Side Side   `json:"side" yaml:"side"`
	Hash string `json:"hash" yaml:"hash"`
}

// InclusionProof shows that Entry is leaf LeafIndex of a tree of LeafCount
// leaves.
type InclusionProof struct {
	Entry     Entry       `json:"entry" yaml:"entry"`
	LeafIndex int         `json:"leaf_index" yaml:"leaf_index"`
	LeafCount int         `json:"leaf_count" yaml:"leaf_count"`
	Siblings  []ProofStep `json:"siblings" yaml:"siblings"`
}

// NonMembershipProof shows that Path is not committed. Left and Right are
// the adjacent entries around where Path would sort; either is nil at a
// boundary and both are nil for an empty tree.
type NonMembershipProof struct {
	Path      string          `json:"path" yaml:"path"`
	LeafCount int             `json:"leaf_count" yaml:"leaf_count"`
	Left      *InclusionProof `json:"left,omitempty" yaml:"left,omitempty"`
	Right     *InclusionProof `json:"right,omitempty" yaml:"right,omitempty"`
}

// Tree is a computed Merkle tree that can issue proofs.
type Tree struct {
	levels  [][]string
	entries []Entry
}

// NewTree builds the tree over entries.
func NewTree(entries []Entry) (*Tree, error) {
	levels, sorted, err := buildTree(entries)
	if err != nil {
		return nil, err
	}
	return &Tree{levels: levels, entries: sorted}, nil
}

// Root returns the state commit root.
func (t *Tree) Root() string { return rootOf(t.levels) }

// Entries returns the entries in leaf order.
func (t *Tree) Entries() []Entry { return t.entries }

// find returns the leaf index of path, or where it would be inserted.
func (t *Tree) find(path string) (int, bool) {
	lo, hi := 0, len(t.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.entries[mid].Path < path {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(t.entries) && t.entries[lo].Path == path
}

// ProveInclusion returns the proof for path, or E_NOT_FOUND.
func (t *Tree) ProveInclusion(path string) (InclusionProof, error) {
	i, ok := t.find(path)
	if !ok {
		return InclusionProof{}, errclass.ErrNotFound.
			WithMessagef("path %s is not committed", path).
			With("path", path)
	}
	return t.proofAt(i), nil
}

func (t *Tree) proofAt(index int) InclusionProof {
	p := InclusionProof{Entry: t.entries[index], LeafIndex: index, LeafCount: len(t.entries)}
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if i%2 == 1 {
			p.Siblings = append(p.Siblings, ProofStep{Side: SideLeft, Hash: level[i-1]})
		} else if i+1 < len(level) {
			p.Siblings = append(p.Siblings, ProofStep{Side: SideRight, Hash: level[i+1]})
		} else {
			p.Siblings = append(p.Siblings, ProofStep{Side: SideRight, Hash: level[i]})
		}
		i /= 2
	}
	return p
}

// ProveNonMembership returns the proof that path is absent. A committed
// path is E_VALIDATION.
func (t *Tree) ProveNonMembership(path string) (NonMembershipProof, error) {
	i, ok := t.find(path)
	if ok {
		return NonMembershipProof{}, errclass.ErrValidation.
			WithMessagef("path %s is committed", path).
			With("path", path)
	}
	p := NonMembershipProof{Path: path, LeafCount: len(t.entries)}
	if i > 0 {
		left := t.proofAt(i - 1)
		p.Left = &left
	}
	if i < len(t.entries) {
		right := t.proofAt(i)
		p.Right = &right
	}
	return p, nil
}

// VerifyInclusion checks p against root. The sibling sides are recomputed
// from LeafIndex and LeafCount rather than trusted, so a proof cannot move
// its leaf to another position.
func VerifyInclusion(root string, p InclusionProof) error {
	fail := func(format string, args ...any) error {
		return errclass.ErrValidation.
			WithMessagef("inclusion proof for %s: %s", p.Entry.Path, fmt.Sprintf(format, args...)).
			With("path", p.Entry.Path).
			With("root", root)
	}
	if p.LeafCount <= 0 || p.LeafIndex < 0 || p.LeafIndex >= p.LeafCount {
		return fail("leaf %d out of range for %d leaves", p.LeafIndex, p.LeafCount)
	}

	h, err := LeafHash(p.Entry)
	if err != nil {
		return err
	}
	i, width, step := p.LeafIndex, p.LeafCount, 0
	for width > 1 {
		if step >= len(p.Siblings) {
			return fail("proof too short")
		}
		s := p.Siblings[step]
		switch {
		case i%2 == 1:
			if s.Side != SideLeft {
				return fail("step %d must be a left sibling", step)
			}
			h = NodeHash(s.Hash, h)
		case i+1 < width:
			if s.Side != SideRight {
				return fail("step %d must be a right sibling", step)
			}
			h = NodeHash(h, s.Hash)
		default:
			if s.Side != SideRight || s.Hash != h {
				return fail("step %d must duplicate the last node", step)
			}
			h = NodeHash(h, h)
		}
		i /= 2
		width = (width + 1) / 2
		step++
	}
	if step != len(p.Siblings) {
		return fail("proof has %d extra steps", len(p.Siblings)-step)
	}
	if !strings.EqualFold(h, root) {
		return fail("computed root %s", h)
	}
	return nil
}

// VerifyNonMembership checks p against root. An empty tree is only
// accepted for the empty root.
func VerifyNonMembership(root string, p NonMembershipProof) error {
	fail := func(msg string) error {
		return errclass.ErrValidation.
			WithMessagef("non-membership proof for %s: %s", p.Path, msg).
			With("path", p.Path).
			With("root", root)
	}

	if p.Left == nil && p.Right == nil {
		if p.LeafCount != 0 || root != rootOf(nil) {
			return fail("missing neighbours")
		}
		return nil
	}
	for _, n := range []*InclusionProof{p.Left, p.Right} {
		if n == nil {
			continue
		}
		if n.LeafCount != p.LeafCount {
			return fail("neighbour leaf count disagrees")
		}
		if err := VerifyInclusion(root, *n); err != nil {
			return err
		}
	}

	switch {
	case p.Left == nil:
		if p.Right.LeafIndex != 0 || p.Path >= p.Right.Entry.Path {
			return fail("right neighbour is not the first leaf after the path")
		}
	case p.Right == nil:
		if p.Left.LeafIndex != p.LeafCount-1 || p.Left.Entry.Path >= p.Path {
			return fail("left neighbour is not the last leaf before the path")
		}
	default:
		if p.Right.LeafIndex != p.Left.LeafIndex+1 {
			return fail("neighbours are not adjacent")
		}
		if p.Left.Entry.Path >= p.Path || p.Path >= p.Right.Entry.Path {
			return fail("path does not sort between its neighbours")
		}
	}
	return nil
}
