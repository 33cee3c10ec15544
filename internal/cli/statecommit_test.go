package cli

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/statecommit"
)

const (
	// Digests of statecommit's a.txt/b.txt golden scope record.
	abRecordHash = "9d52aaf92f9ab55390d4ee699ab2525cfbb4e56291495e84b66c53a03d635be6"
	abRoot       = "c6672ade6ba58ea3f3af3363dba1cbf9a37e7f0c95ff97e23ee6e698bcfd2282"
)

// abRecord copies the golden scope record into a temp dir.
func abRecord(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "statecommit", "testdata", "golden", "scope_record_ab.golden"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "scope_record.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestVerifyCommand_RecordHash(t *testing.T) {
	root := t.TempDir()
	rec := abRecord(t)

	r := keel(t, root, "verify", "--scope-record", rec, "--expected-root", abRecordHash)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "scope_record_hash: "+abRecordHash)
	assert.Contains(t, r.stdout, "VERIFIED")

	r = keel(t, root, "verify", "--scope-record", rec, "--expected-root", "  "+strings.ToUpper(abRecordHash)+"\n")
	assert.Equal(t, ExitSuccess, r.code, "comparison ignores case and surrounding space")

	r = keel(t, root, "--format", "json", "verify", "--scope-record", rec, "--expected-root", abRoot)
	assert.Equal(t, ExitFailure, r.code)
	res := decode[VerifyResult](t, r)
	assert.Equal(t, "error", res.Status)
	assert.False(t, res.Data.Verified)
	assert.Equal(t, abRecordHash, res.Data.ScopeRecordHash)
	require.NotNil(t, res.Error)
	assert.Equal(t, "E_VALIDATION", res.Error.Code)
	assert.Equal(t, abRoot, res.Error.Details["expected"])
	assert.Equal(t, abRecordHash, res.Error.Details["actual"])
	assert.Empty(t, r.stderr)
}

func TestVerifyCommand_MerkleRoot(t *testing.T) {
	root := t.TempDir()
	rec := abRecord(t)

	r := keel(t, root, "--format", "json", "verify", "--scope-record", rec, "--expected-root", abRoot, "--merkle")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	res := decode[VerifyResult](t, r).Data
	assert.True(t, res.Verified)
	assert.Equal(t, abRoot, res.Root)

	r = keel(t, root, "verify", "--scope-record", rec, "--expected-root", abRecordHash, "--merkle")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stdout, "MISMATCH")
	assert.Contains(t, r.stderr, "STATE_COMMIT verification failed")
}

func TestVerifyCommand_NoExpectationReportsDigest(t *testing.T) {
	r := keel(t, t.TempDir(), "--format", "json", "verify", "--scope-record", abRecord(t))
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	res := decode[VerifyResult](t, r).Data
	assert.Equal(t, abRecordHash, res.ScopeRecordHash)
	assert.False(t, res.Verified)
}

func TestVerifyCommand_MissingFile(t *testing.T) {
	r := keel(t, t.TempDir(), "verify", "--scope-record", filepath.Join(t.TempDir(), "nope.cbor"), "--expected-root", abRoot)
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "E_NOT_FOUND")
}

func TestExplainCommand(t *testing.T) {
	root := t.TempDir()
	rec := abRecord(t)

	r := keel(t, root, "explain", "--scope-record", rec)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "schema: state_commit.v1 v1")
	assert.Contains(t, r.stdout, "state_commit_root: "+abRoot)
	assert.Contains(t, r.stdout, "entries: 2")
	assert.Contains(t, r.stdout, "b.txt")

	r = keel(t, root, "--format", "yaml", "explain", "--scope-record", rec)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "state_commit_root: "+abRoot)
	assert.Contains(t, r.stdout, "scope_record_hash: "+abRecordHash)
	assert.Contains(t, r.stdout, "kind: file")

	r = keel(t, root, "--format", "json", "explain", "--scope-record", rec)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	ex := decode[statecommit.Explanation](t, r).Data
	assert.Equal(t, strings.Repeat("1", 40), ex.Base)
	assert.Equal(t, strings.Repeat("2", 40), ex.Head)
	require.Len(t, ex.Entries, 2)
	assert.True(t, ex.Entries[1].Executable)
}

func TestExplainCommand_CorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cbor")
	data, err := os.ReadFile(abRecord(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 0x00), 0o644))

	r := keel(t, t.TempDir(), "explain", "--scope-record", path)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "E_CORRUPTION")
}

func gitRepo(t *testing.T) (dir string, git func(args ...string) string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir = t.TempDir()
	git = func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.name=keel", "-c", "user.email=keel@example.com", "-c", "commit.gpgsign=false"}, args...)...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
		return strings.TrimSpace(string(out))
	}
	git("init", "-q")
	return dir, git
}

func TestProveCommand(t *testing.T) {
	repo, git := gitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("keel\n"), 0o644))
	git("add", "-A")
	git("commit", "-q", "-m", "base")
	base := git("rev-parse", "HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "b.txt"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(repo, "b.txt"), 0o755))
	git("add", "-A")
	git("commit", "-q", "-m", "head")

	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "scope_record.cbor")
	r := keel(t, root, "--format", "json", "prove", "--repo", repo, "--base", base[:10], "--output", out)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	res := decode[ProveResult](t, r).Data
	assert.Equal(t, base, res.Base)
	assert.Equal(t, abRoot, res.Root)
	assert.Equal(t, out, res.Output)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "a.txt", res.Entries[0].Path)

	r = keel(t, root, "verify", "--scope-record", out, "--expected-root", res.ScopeRecordHash)
	assert.Equal(t, ExitSuccess, r.code, r.stderr)
	r = keel(t, root, "verify", "--scope-record", out, "--expected-root", abRoot, "--merkle")
	assert.Equal(t, ExitSuccess, r.code, r.stderr)

	r = keel(t, root, "prove", "--repo", repo, "--base", "no-such-rev", "--output", out)
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "E_NOT_FOUND")

	r = keel(t, root, "prove", "--repo", repo)
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, `required flag(s) "base" not set`)
}
