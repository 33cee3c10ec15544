package statecommit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/errclass"
)

func TestInclusionProof_EveryLeafEverySize(t *testing.T) {
	for n := 1; n <= 9; n++ {
		tree, err := NewTree(numbered(n))
		require.NoError(t, err)
		root, err := MerkleRoot(numbered(n))
		require.NoError(t, err)
		require.Equal(t, root, tree.Root())

		for _, e := range tree.Entries() {
			p, err := tree.ProveInclusion(e.Path)
			require.NoError(t, err)
			require.NoError(t, VerifyInclusion(root, p), "n=%d path=%s", n, e.Path)
		}
	}
}

func TestInclusionProof_Tampering(t *testing.T) {
	tree, err := NewTree(numbered(5))
	require.NoError(t, err)
	root := tree.Root()

	p, err := tree.ProveInclusion("f004.txt")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(p *InclusionProof)
	}{
		{"content", func(p *InclusionProof) { p.Entry.ContentHash = hashABC }},
		{"executable", func(p *InclusionProof) { p.Entry.Executable = true }},
		{"leaf index", func(p *InclusionProof) { p.LeafIndex = 3 }},
		{"leaf count", func(p *InclusionProof) { p.LeafCount = 9 }},
		{"sibling", func(p *InclusionProof) { p.Siblings[0].Hash = hashABC }},
		{"side", func(p *InclusionProof) { p.Siblings[1].Side = SideLeft }},
		{"truncated", func(p *InclusionProof) { p.Siblings = p.Siblings[:1] }},
		{"extended", func(p *InclusionProof) { p.Siblings = append(p.Siblings, ProofStep{Side: SideRight, Hash: root}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forged := p
			forged.Siblings = append([]ProofStep(nil), p.Siblings...)
			tt.mutate(&forged)
			require.ErrorIs(t, VerifyInclusion(root, forged), errclass.ErrValidation)
		})
	}
	require.NoError(t, VerifyInclusion(root, p))
}

func TestProveInclusion_Missing(t *testing.T) {
	tree, err := NewTree(abEntries())
	require.NoError(t, err)
	_, err = tree.ProveInclusion("c.txt")
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestNonMembershipProof(t *testing.T) {
	tree, err := NewTree(numbered(6))
	require.NoError(t, err)
	root := tree.Root()

	tests := []struct {
		path        string
		left, right bool
	}{
		{"a.txt", false, true},
		{"f002.txt.bak", true, true},
		{"z.txt", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := tree.ProveNonMembership(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.left, p.Left != nil)
			assert.Equal(t, tt.right, p.Right != nil)
			require.NoError(t, VerifyNonMembership(root, p))
		})
	}

	_, err = tree.ProveNonMembership("f001.txt")
	require.ErrorIs(t, err, errclass.ErrValidation)
}

func TestNonMembershipProof_Forgeries(t *testing.T) {
	tree, err := NewTree(numbered(6))
	require.NoError(t, err)
	root := tree.Root()

	// Claim f003.txt is absent by citing non-adjacent neighbours.
	left, err := tree.ProveInclusion("f002.txt")
	require.NoError(t, err)
	right, err := tree.ProveInclusion("f004.txt")
	require.NoError(t, err)
	err = VerifyNonMembership(root, NonMembershipProof{Path: "f003.txt", LeafCount: 6, Left: &left, Right: &right})
	require.ErrorIs(t, err, errclass.ErrValidation)

	// A boundary proof must cite the real first leaf.
	err = VerifyNonMembership(root, NonMembershipProof{Path: "f000.txt0", LeafCount: 6, Right: &right})
	require.ErrorIs(t, err, errclass.ErrValidation)

	// A path outside its neighbours.
	p, err := tree.ProveNonMembership("f002.txt.bak")
	require.NoError(t, err)
	p.Path = "f009.txt"
	require.ErrorIs(t, VerifyNonMembership(root, p), errclass.ErrValidation)

	// No neighbours at all against a non-empty root.
	err = VerifyNonMembership(root, NonMembershipProof{Path: "x"})
	require.ErrorIs(t, err, errclass.ErrValidation)
}

func TestNonMembershipProof_EmptyTree(t *testing.T) {
	tree, err := NewTree(nil)
	require.NoError(t, err)
	p, err := tree.ProveNonMembership("anything")
	require.NoError(t, err)
	require.NoError(t, VerifyNonMembership(tree.Root(), p))
}
