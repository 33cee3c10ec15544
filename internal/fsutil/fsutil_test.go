package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "scope_record.cbor")

	require.NoError(t, AtomicWrite(path, []byte("first"), 0o644))
	require.NoError(t, AtomicWrite(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLockedFile_AppendAndLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")

	f, err := OpenLocked(path)
	require.NoError(t, err)
	last, err := f.LastLine()
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, f.AppendLine([]byte(`{"n":1}`)))
	require.NoError(t, f.AppendLine([]byte(`{"n":2}`)))
	last, err = f.LastLine()
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(last))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(data))
}

func TestLastLine_SpansBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.jsonl")
	long := strings.Repeat("a", 10000)
	require.NoError(t, os.WriteFile(path, []byte("short\n"+long+"\n\n"), 0o644))

	f, err := OpenLocked(path)
	require.NoError(t, err)
	defer f.Close()

	last, err := f.LastLine()
	require.NoError(t, err)
	assert.Equal(t, long, string(last))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, RemoveIfExists(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
