package publish

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCreatesFinalFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "chapters", "p-1.json")

	res, err := Write(final, "req-1", []byte(`{"ok":true}`), Options{Verify: true})
	require.NoError(t, err)
	assert.Equal(t, final, res.FilePath)
	assert.Equal(t, 11, res.Bytes)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, res.ContentHash)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.json")
	_, err := Write(final, "req-2", []byte("x"), Options{Fsync: true})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."), "leftover temp file %s", e.Name())
	}
}

func TestWriteOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.json")
	_, err := Write(final, "a", []byte("first"), Options{})
	require.NoError(t, err)
	_, err = Write(final, "b", []byte("second"), Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteConfinesPathsToRoot(t *testing.T) {
	root := t.TempDir()

	escaping := filepath.Join(root, "assets", "..", "..", "pwn.svg")
	_, err := Write(escaping, "r", []byte("x"), Options{Root: root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside root")
	assert.NoFileExists(t, filepath.Clean(escaping))

	inside := filepath.Join(root, "assets", "ok.svg")
	_, err = Write(inside, "r", []byte("x"), Options{Root: root})
	require.NoError(t, err)
	assert.FileExists(t, inside)
}

func TestWriteFailsOnUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Mkdir(locked, 0555))

	_, err := Write(filepath.Join(locked, "x.json"), "r", []byte("x"), Options{})
	assert.Error(t, err)
}
