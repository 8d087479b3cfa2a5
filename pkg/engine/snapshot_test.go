package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhea/pkg/kvop"
)

func putString(t *testing.T, e *BoltEngine, key, value string) {
	t.Helper()
	done := make(chan struct{})
	op := &kvop.Operation{Kind: kvop.KindPut, Key: []byte(key), Value: []byte(value)}
	e.BatchPut([]kvop.KV{opKV(op, func(kvop.Result) { close(done) })})
	<-done
}

func TestFastSnapshotSaveAndLoadRoundTrip(t *testing.T) {
	src := mustOpenEngine(t)
	putString(t, src, "a", "1")
	putString(t, src, "b", "2")

	snapDir := t.TempDir()
	var snap FastSnapshotter
	meta, err := snap.Save(src, snapDir, 42, 3, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), meta.Index)
	assert.Equal(t, uint64(3), meta.Term)
	assert.Equal(t, "fast", meta.Mode)

	dst, err := Open(t.TempDir(), "region-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })

	loaded, err := snap.Load(dst, snapDir)
	require.NoError(t, err)
	assert.Equal(t, meta.Index, loaded.Index)

	value, found, err := dst.Get(CFDefault, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), value)
}

func TestFastSnapshotPeekReadsMetaWithoutTouchingEngine(t *testing.T) {
	src := mustOpenEngine(t)
	putString(t, src, "a", "1")

	snapDir := t.TempDir()
	var snap FastSnapshotter
	saved, err := snap.Save(src, snapDir, 42, 3, 1000)
	require.NoError(t, err)

	peeked, err := snap.Peek(snapDir)
	require.NoError(t, err)
	assert.Equal(t, saved.Index, peeked.Index)
	assert.Equal(t, saved.Term, peeked.Term)
	assert.Equal(t, "fast", peeked.Mode)
}

func TestBackupSnapshotPeekReadsMetaWithoutTouchingEngine(t *testing.T) {
	src := mustOpenEngine(t)
	putString(t, src, "k", "v")

	snapDir := t.TempDir()
	var snap BackupSnapshotter
	saved, err := snap.Save(src, snapDir, 7, 1, 2000)
	require.NoError(t, err)

	peeked, err := snap.Peek(snapDir)
	require.NoError(t, err)
	assert.Equal(t, saved.Index, peeked.Index)
	assert.Equal(t, saved.Term, peeked.Term)
	assert.Equal(t, "backup", peeked.Mode)
}

func TestBackupSnapshotProducesZipAndRestores(t *testing.T) {
	src := mustOpenEngine(t)
	putString(t, src, "k", "v")

	snapDir := t.TempDir()
	var snap BackupSnapshotter
	meta, err := snap.Save(src, snapDir, 7, 1, 2000)
	require.NoError(t, err)
	assert.Equal(t, "backup", meta.Mode)
	assert.FileExists(t, filepath.Join(snapDir, "kv.zip"))

	dst, err := Open(t.TempDir(), "region-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })

	_, err = snap.Load(dst, snapDir)
	require.NoError(t, err)

	value, found, err := dst.Get(CFDefault, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)
}
