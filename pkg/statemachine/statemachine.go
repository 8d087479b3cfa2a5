// Package statemachine is the KV State Machine facade: it groups
// consecutive same-kind operations handed to it by the driver into
// batches and routes each batch to the engine's matching batch method.
package statemachine

import (
	"context"
	"fmt"

	"github.com/cuemby/rhea/pkg/engine"
	"github.com/cuemby/rhea/pkg/kvop"
	"github.com/cuemby/rhea/pkg/metrics"
	"github.com/cuemby/rhea/pkg/region"
)

// StateMachine routes committed operations to a KV engine, an exec
// registry, and a region owner. It has no knowledge of Raft; the driver
// decides what "committed" means and hands it entries.
type StateMachine struct {
	engine      *engine.BoltEngine
	execs       *kvop.ExecRegistry
	regionOwner region.Owner
	snapshotter engine.Snapshotter
	isLeader    func() bool
}

// New builds a StateMachine. snapshotter selects fast vs. backup
// snapshot mode; isLeader reports whether this node currently holds
// Raft leadership, consulted by NODE_EXECUTE dispatch.
func New(e *engine.BoltEngine, execs *kvop.ExecRegistry, owner region.Owner, snapshotter engine.Snapshotter, isLeader func() bool) *StateMachine {
	return &StateMachine{
		engine:      e,
		execs:       execs,
		regionOwner: owner,
		snapshotter: snapshotter,
		isLeader:    isLeader,
	}
}

// Apply consumes a run of same-discriminator entries from the front of
// entries, dispatches them as one batch, and returns how many it
// consumed. It always consumes at least one entry. A decode failure on
// the first entry fails just that entry and consumes it alone.
func (sm *StateMachine) Apply(entries []kvop.KV) int {
	if len(entries) == 0 {
		return 0
	}

	op0, err := entries[0].Payload.Resolve()
	if err != nil {
		failClosure(entries[0].Closure, kvop.CodeDecodeError, err.Error())
		metrics.ApplyQPS.Inc()
		return 1
	}

	kind := op0.Kind
	n := 1
	for n < len(entries) {
		op, err := entries[n].Payload.Resolve()
		if err != nil || op.Kind != kind {
			break
		}
		n++
	}

	batch := entries[:n]
	timer := metrics.NewTimer()
	sm.dispatch(kind, batch)
	timer.ObserveDurationVec(metrics.ApplyDuration, kind.String())
	metrics.ApplyQPS.Add(float64(n))

	return n
}

func (sm *StateMachine) dispatch(kind kvop.Kind, batch []kvop.KV) {
	switch kind {
	case kvop.KindPut:
		sm.engine.BatchPut(batch)
	case kvop.KindPutIfAbsent:
		sm.engine.BatchPutIfAbsent(batch)
	case kvop.KindPutList:
		sm.engine.BatchPutList(batch)
	case kvop.KindDelete:
		sm.engine.BatchDelete(batch)
	case kvop.KindDeleteRange:
		sm.engine.BatchDeleteRange(batch)
	case kvop.KindGet:
		sm.engine.BatchGet(batch)
	case kvop.KindMultiGet:
		sm.engine.BatchMultiGet(batch)
	case kvop.KindScan:
		sm.engine.BatchScan(batch)
	case kvop.KindGetPut:
		sm.engine.BatchGetAndPut(batch)
	case kvop.KindMerge:
		sm.engine.BatchMerge(batch)
	case kvop.KindGetSequence:
		sm.engine.BatchGetSequence(batch)
	case kvop.KindResetSequence:
		sm.engine.BatchResetSequence(batch)
	case kvop.KindKeyLock:
		sm.engine.BatchTryLockWith(batch)
	case kvop.KindKeyLockRelease:
		sm.engine.BatchReleaseLockWith(batch)
	case kvop.KindNodeExecute:
		sm.batchNodeExecute(batch)
	case kvop.KindRangeSplit:
		sm.batchRangeSplit(batch)
	default:
		for _, kv := range batch {
			failClosure(kv.Closure, kvop.CodeIllegalOperation, fmt.Sprintf("unknown operation discriminator %d", byte(kind)))
		}
	}
}

func (sm *StateMachine) batchNodeExecute(batch []kvop.KV) {
	ctx := kvop.WithIsLeader(context.Background(), sm.isLeader())
	for _, kv := range batch {
		op, err := kv.Payload.Resolve()
		if err != nil {
			failClosure(kv.Closure, kvop.CodeDecodeError, err.Error())
			continue
		}
		out, err := sm.execs.Invoke(ctx, op.Exec.Name, op.Exec.Args)
		if err != nil {
			failClosure(kv.Closure, kvop.CodeIllegalOperation, err.Error())
			continue
		}
		if kv.Closure != nil {
			kv.Closure.Complete(kvop.Result{Status: kvop.OK, ExecOutput: out})
		}
	}
}

func (sm *StateMachine) batchRangeSplit(batch []kvop.KV) {
	for _, kv := range batch {
		op, err := kv.Payload.Resolve()
		if err != nil {
			failClosure(kv.Closure, kvop.CodeDecodeError, err.Error())
			continue
		}
		if err := sm.regionOwner.Split(op.Split.FromRegion, op.Split.ToRegion, op.Split.SplitKey); err != nil {
			failClosure(kv.Closure, kvop.CodeStorageError, err.Error())
			continue
		}
		if kv.Closure != nil {
			kv.Closure.Complete(kvop.Result{Status: kvop.OK})
		}
	}
}

func failClosure(c *kvop.Closure, code int, message string) {
	if c == nil {
		return
	}
	c.Fail(kvop.Fail(code, message))
}

// SaveSnapshot persists the engine's state under writerPath using the
// configured Snapshotter, tagged with the index/term the driver captured
// at the moment it dequeued this event.
func (sm *StateMachine) SaveSnapshot(writerPath string, index, term uint64, nowMs int64) (*engine.LocalFileMeta, error) {
	return sm.snapshotter.Save(sm.engine, writerPath, index, term, nowMs)
}

// PeekSnapshot reads a snapshot's metadata from readerPath without
// touching the engine. The driver calls this before LoadSnapshot to run
// the "never regress state" check while refusal is still free: nothing
// has been written to the engine yet.
func (sm *StateMachine) PeekSnapshot(readerPath string) (*engine.LocalFileMeta, error) {
	return sm.snapshotter.Peek(readerPath)
}

// LoadSnapshot restores the engine's state from readerPath. Callers must
// have already decided, via PeekSnapshot, that this snapshot is not
// older than what the engine already holds — this method always
// overwrites live state.
func (sm *StateMachine) LoadSnapshot(readerPath string) (*engine.LocalFileMeta, error) {
	return sm.snapshotter.Load(sm.engine, readerPath)
}
