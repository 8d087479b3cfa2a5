package driver

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarDirAndUntarIntoRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("world"), 0600))

	var buf bytes.Buffer
	require.NoError(t, tarDir(src, &buf))

	dst := t.TempDir()
	require.NoError(t, untarInto(&buf, dst))

	a, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(a))

	b, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))
}

func TestUntarIntoRejectsEntriesThatEscapeTheDestination(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	payload := []byte("evil")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/cron.d/evil",
		Mode: 0600,
		Size: int64(len(payload)),
	}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dst := t.TempDir()
	err = untarInto(&buf, dst)
	require.Error(t, err)

	entries, readErr := os.ReadDir(dst)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "untarInto must not write anything before rejecting an escaping entry")
}

func TestSafeJoinRejectsParentTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := safeJoin(dir, "../../etc/passwd")
	assert.Error(t, err)
}

func TestSafeJoinAllowsNestedRelativePaths(t *testing.T) {
	dir := t.TempDir()
	dest, err := safeJoin(dir, "kv/data.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "kv", "data.db"), dest)
}
