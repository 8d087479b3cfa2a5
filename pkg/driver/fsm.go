package driver

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/raft"

	"github.com/cuemby/rhea/pkg/engine"
	"github.com/cuemby/rhea/pkg/kvop"
)

// applyRequest carries one committed raft.Log entry into the driver's
// single consumer, along with the channel its result is delivered on.
type applyRequest struct {
	log      *raft.Log
	resultCh chan interface{}
}

// snapshotSaveRequest asks the consumer to run a snapshot save in line
// with the apply stream, so it observes state exactly as of
// lastAppliedIndex with no concurrent write possible.
type snapshotSaveRequest struct {
	resultCh chan snapshotSaveResult
}

type snapshotSaveResult struct {
	snapshot raft.FSMSnapshot
	err      error
}

type snapshotLoadRequest struct {
	rc       io.ReadCloser
	resultCh chan error
}

// Apply is called by the raft library once per committed log entry, on
// its own apply goroutine. It hands the entry to the driver's consumer
// and blocks for the result, which satisfies raft's expectation that
// Apply return the value ApplyFuture.Response() will carry.
func (d *Driver) Apply(log *raft.Log) interface{} {
	req := &applyRequest{log: log, resultCh: make(chan interface{}, 1)}
	d.events <- driverEvent{kind: evApply, apply: req}
	return <-req.resultCh
}

// Snapshot is called by raft on a goroutine separate from Apply's. The
// driver routes it through the same single consumer as Apply so a
// snapshot always reflects exactly lastAppliedIndex, never a partially
// applied batch.
func (d *Driver) Snapshot() (raft.FSMSnapshot, error) {
	req := &snapshotSaveRequest{resultCh: make(chan snapshotSaveResult, 1)}
	d.events <- driverEvent{kind: evSnapshotSave, save: req}
	res := <-req.resultCh
	return res.snapshot, res.err
}

// Restore replaces the state machine's data from rc, routed through the
// consumer for the same reason as Snapshot.
func (d *Driver) Restore(rc io.ReadCloser) error {
	req := &snapshotLoadRequest{rc: rc, resultCh: make(chan error, 1)}
	d.events <- driverEvent{kind: evSnapshotLoad, load: req}
	return <-req.resultCh
}

func (d *Driver) handleApply(req *applyRequest) {
	if err := d.latchedError(); err != nil {
		req.resultCh <- err
		return
	}
	if req.log.Index <= d.LastAppliedIndex() {
		req.resultCh <- kvop.Result{Status: kvop.OK}
		return
	}

	switch req.log.Type {
	case raft.LogCommand:
		var result kvop.Result
		closure := kvop.NewClosure(nil, func(r kvop.Result) { result = r })
		entries := []kvop.KV{{Payload: kvop.RawPayload(req.log.Data), Closure: closure}}
		for len(entries) > 0 {
			n := d.sm.Apply(entries)
			if n == 0 {
				d.latch(fmt.Errorf("driver: state machine failed to consume any entries"))
				break
			}
			entries = entries[n:]
		}
		d.setLastApplied(req.log.Index, req.log.Term)
		req.resultCh <- result

	default:
		// NO-OP / CONFIGURATION entries carry no operation; advancing
		// lastAppliedIndex is the whole job.
		d.setLastApplied(req.log.Index, req.log.Term)
		req.resultCh <- nil
	}
}

func (d *Driver) handleSnapshotSave(req *snapshotSaveRequest) {
	index, term := d.LastAppliedIndex(), d.LastAppliedTerm()
	dir, err := os.MkdirTemp(d.dataDir, "snapshot-*")
	if err != nil {
		req.resultCh <- snapshotSaveResult{err: fmt.Errorf("driver: create snapshot dir: %w", err)}
		return
	}

	meta, err := d.sm.SaveSnapshot(dir, index, term, nowMillis())
	if err != nil {
		os.RemoveAll(dir)
		req.resultCh <- snapshotSaveResult{err: fmt.Errorf("driver: save snapshot: %w", err)}
		return
	}

	req.resultCh <- snapshotSaveResult{snapshot: &driverSnapshot{dir: dir, meta: meta}}
}

func (d *Driver) handleSnapshotLoad(req *snapshotLoadRequest) {
	defer req.rc.Close()

	dir, err := os.MkdirTemp(d.dataDir, "restore-*")
	if err != nil {
		req.resultCh <- fmt.Errorf("driver: create restore dir: %w", err)
		return
	}
	defer os.RemoveAll(dir)

	if err := untarInto(req.rc, dir); err != nil {
		d.latch(fmt.Errorf("driver: untar snapshot: %w", err))
		req.resultCh <- err
		return
	}

	meta, err := d.sm.PeekSnapshot(dir)
	if err != nil {
		d.latch(fmt.Errorf("driver: read snapshot metadata: %w", err))
		req.resultCh <- err
		return
	}

	// Never regress state: a snapshot older than what's already applied
	// is rejected before the engine is touched, matching the
	// lexicographic (index, term) check.
	if currentIndex, currentTerm := d.LastAppliedIndex(), d.LastAppliedTerm(); currentIndex > meta.Index ||
		(currentIndex == meta.Index && currentTerm > meta.Term) {
		req.resultCh <- fmt.Errorf("driver: refusing to load stale snapshot (index=%d term=%d) over current (index=%d term=%d)",
			meta.Index, meta.Term, currentIndex, currentTerm)
		return
	}

	meta, err = d.sm.LoadSnapshot(dir)
	if err != nil {
		d.latch(fmt.Errorf("driver: load snapshot: %w", err))
		req.resultCh <- err
		return
	}

	d.setLastApplied(meta.Index, meta.Term)
	req.resultCh <- nil
}

// driverSnapshot implements raft.FSMSnapshot over a directory already
// written by a Snapshotter.
type driverSnapshot struct {
	dir  string
	meta *engine.LocalFileMeta
}

func (s *driverSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := tarDir(s.dir, sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *driverSnapshot) Release() {
	os.RemoveAll(s.dir)
}

func tarDir(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// safeJoin joins dir and name the way filepath.Join would, but refuses
// any name that would resolve outside dir (an absolute path, or a
// relative path that climbs out via ".."), the same guard
// extractZipEntry gets for free from filepath.Base.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, name)
	if dest != dir && !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("driver: tar entry %q escapes restore directory", name)
	}
	return dest, nil
}

func untarInto(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return err
		}
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}
