package engine

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/rhea/pkg/metrics"
)

// snapshotDataFile is the bbolt file name written under a snapshot's kv/
// directory. It has the same name as dbFileName; a snapshot directory is
// told apart from a live data directory by its kv/ subdirectory and
// meta.yaml sidecar.
const snapshotDataFile = "data.db"

// snapshotMetaFile is the yaml sidecar recording what a snapshot holds.
const snapshotMetaFile = "meta.yaml"

// LocalFileMeta describes a snapshot written to disk, alongside the raw
// data so a Load call can validate it before overwriting live state.
type LocalFileMeta struct {
	RegionID    string `yaml:"region_id"`
	Index       uint64 `yaml:"index"`
	Term        uint64 `yaml:"term"`
	Mode        string `yaml:"mode"` // "fast" or "backup"
	CreatedAtMs int64  `yaml:"created_at_ms"`
}

// Snapshotter saves and loads the engine's data set to/from a directory
// on disk. The directory, not a byte stream, is the unit of work here;
// pkg/driver is responsible for turning that directory into whatever
// raft.SnapshotSink/io.ReadCloser framing the FSM contract requires.
type Snapshotter interface {
	Save(e *BoltEngine, writerPath string, index, term uint64, nowMs int64) (*LocalFileMeta, error)
	Load(e *BoltEngine, readerPath string) (*LocalFileMeta, error)

	// Peek reads a snapshot's metadata from readerPath without touching
	// the live engine, so a caller can decide whether to go through with
	// Load before any data is overwritten.
	Peek(readerPath string) (*LocalFileMeta, error)
}

func writeMeta(dir string, meta LocalFileMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("engine: marshal snapshot meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, snapshotMetaFile), data, 0600)
}

func readMeta(dir string) (LocalFileMeta, error) {
	var meta LocalFileMeta
	data, err := os.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if err != nil {
		return meta, fmt.Errorf("engine: read snapshot meta: %w", err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("engine: unmarshal snapshot meta: %w", err)
	}
	return meta, nil
}

// checkpoint hot-copies the live database into dir/snapshotDataFile using
// a read transaction, so readers and the apply thread are never blocked
// for longer than it takes to open the transaction.
func checkpoint(e *BoltEngine, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("engine: create snapshot dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, snapshotDataFile))
	if err != nil {
		return fmt.Errorf("engine: create snapshot data file: %w", err)
	}
	defer f.Close()

	return e.view(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
}

// FastSnapshotter checkpoints the database into writerPath/kv and never
// zips it, for the common case of a local snapshot another raft member
// will stream directly off disk.
type FastSnapshotter struct{}

func (FastSnapshotter) Save(e *BoltEngine, writerPath string, index, term uint64, nowMs int64) (*LocalFileMeta, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotSaveDuration)

	kvDir := filepath.Join(writerPath, "kv")
	if err := checkpoint(e, kvDir); err != nil {
		return nil, err
	}
	meta := LocalFileMeta{RegionID: e.RegionID(), Index: index, Term: term, Mode: "fast", CreatedAtMs: nowMs}
	if err := writeMeta(kvDir, meta); err != nil {
		return nil, err
	}
	e.log.Info().Uint64("index", index).Uint64("term", term).Msg("fast snapshot saved")
	return &meta, nil
}

func (FastSnapshotter) Load(e *BoltEngine, readerPath string) (*LocalFileMeta, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotLoadDuration)

	kvDir := filepath.Join(readerPath, "kv")
	meta, err := readMeta(kvDir)
	if err != nil {
		return nil, err
	}
	if err := restoreDataFile(e, filepath.Join(kvDir, snapshotDataFile)); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Peek reads meta.yaml straight off disk; a fast snapshot's directory
// layout never needs decoding before its metadata is legible.
func (FastSnapshotter) Peek(readerPath string) (*LocalFileMeta, error) {
	meta, err := readMeta(filepath.Join(readerPath, "kv"))
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// BackupSnapshotter checkpoints the database and additionally zips the
// kv/ directory into writerPath/kv.zip, for snapshots meant to be
// shipped off-box. Per the resolved design question, fast and backup
// modes never compose: a backup snapshot is produced by this type
// alone, never by zipping a FastSnapshotter's output after the fact.
type BackupSnapshotter struct{}

func (BackupSnapshotter) Save(e *BoltEngine, writerPath string, index, term uint64, nowMs int64) (*LocalFileMeta, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotSaveDuration)

	kvDir := filepath.Join(writerPath, "kv")
	if err := checkpoint(e, kvDir); err != nil {
		return nil, err
	}
	meta := LocalFileMeta{RegionID: e.RegionID(), Index: index, Term: term, Mode: "backup", CreatedAtMs: nowMs}
	if err := writeMeta(kvDir, meta); err != nil {
		return nil, err
	}

	zipPath := filepath.Join(writerPath, "kv.zip")
	if err := zipDir(kvDir, zipPath); err != nil {
		return nil, fmt.Errorf("engine: zip snapshot: %w", err)
	}
	e.log.Info().Uint64("index", index).Uint64("term", term).Str("zip", zipPath).Msg("backup snapshot saved")
	return &meta, nil
}

func (BackupSnapshotter) Load(e *BoltEngine, readerPath string) (*LocalFileMeta, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotLoadDuration)

	zipPath := filepath.Join(readerPath, "kv.zip")
	kvDir := filepath.Join(readerPath, "kv")
	if err := unzipDir(zipPath, kvDir); err != nil {
		return nil, fmt.Errorf("engine: unzip snapshot: %w", err)
	}
	meta, err := readMeta(kvDir)
	if err != nil {
		return nil, err
	}
	if err := restoreDataFile(e, filepath.Join(kvDir, snapshotDataFile)); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Peek unzips kv.zip into readerPath/kv and reads its meta.yaml. Unzipping
// only writes to readerPath, a scratch directory the caller owns, so it
// never touches the live engine; Load's own unzip afterward is a cheap,
// idempotent re-extraction over the same files.
func (BackupSnapshotter) Peek(readerPath string) (*LocalFileMeta, error) {
	zipPath := filepath.Join(readerPath, "kv.zip")
	kvDir := filepath.Join(readerPath, "kv")
	if err := unzipDir(zipPath, kvDir); err != nil {
		return nil, fmt.Errorf("engine: unzip snapshot: %w", err)
	}
	meta, err := readMeta(kvDir)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// restoreDataFile replaces the live database file with src and reopens
// the engine, holding the write lock for the duration per the
// concurrency policy (Reopen/snapshot-load/backup-restore are the only
// write-lock holders).
func restoreDataFile(e *BoltEngine, src string) error {
	e.mu.Lock()
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("engine: close before restore: %w", err)
		}
		e.db = nil
	}

	in, err := os.Open(src)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: open snapshot data file: %w", err)
	}
	out, err := os.Create(e.dbPath())
	if err != nil {
		in.Close()
		e.mu.Unlock()
		return fmt.Errorf("engine: create data file for restore: %w", err)
	}
	_, copyErr := io.Copy(out, in)
	in.Close()
	closeErr := out.Close()
	e.mu.Unlock()
	if copyErr != nil {
		return fmt.Errorf("engine: copy snapshot data file: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("engine: finalize restored data file: %w", closeErr)
	}

	return e.Reopen()
}

func zipDir(srcDir, destZip string) error {
	out, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if err := addZipEntry(zw, srcDir, ent.Name()); err != nil {
			return err
		}
	}
	return nil
}

func addZipEntry(zw *zip.Writer, srcDir, name string) error {
	f, err := os.Open(filepath.Join(srcDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func unzipDir(srcZip, destDir string) error {
	r, err := zip.OpenReader(srcZip)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return err
	}
	for _, f := range r.File {
		if err := extractZipEntry(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destDir string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(filepath.Join(destDir, filepath.Base(f.Name)))
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
