// Package driver is the FSM Driver: the single-consumer dispatcher that
// sits between hashicorp/raft and the KV State Machine. hashicorp/raft
// already serializes calls to FSM.Apply on its own apply goroutine, but
// it calls FSM.Snapshot and FSM.Restore from separate goroutines and
// requires the FSM to be safe under that concurrency. The driver's event
// queue exists to collapse all three onto one consumer, so a snapshot
// save always observes state exactly as of lastAppliedIndex and never
// races a concurrent apply.
package driver

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/rhea/pkg/leader"
	"github.com/cuemby/rhea/pkg/log"
	"github.com/cuemby/rhea/pkg/metrics"
	"github.com/cuemby/rhea/pkg/statemachine"
)

type eventKind int

const (
	evApply eventKind = iota
	evSnapshotSave
	evSnapshotLoad
	evLeaderStart
	evLeaderStop
	evShutdown
)

type driverEvent struct {
	kind       eventKind
	apply      *applyRequest
	save       *snapshotSaveRequest
	load       *snapshotLoadRequest
	leaderTerm uint64
	doneCh     chan struct{}
}

// Config configures a Driver's raft transport and storage paths.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Driver wires hashicorp/raft to a KV State Machine through a single
// consumer goroutine. It implements raft.FSM.
type Driver struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft     *raft.Raft
	sm       *statemachine.StateMachine
	notifier *leader.Notifier

	events chan driverEvent

	lastApplied     uint64
	lastAppliedTerm uint64

	latchedMu  sync.Mutex
	latchedErr error

	closing chan struct{}

	log     zerolog.Logger
	wg      sync.WaitGroup
	watchWG sync.WaitGroup
}

// New builds a Driver. It does not start raft; call Bootstrap or JoinExisting.
func New(cfg Config, sm *statemachine.StateMachine, notifier *leader.Notifier) *Driver {
	d := &Driver{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		sm:       sm,
		notifier: notifier,
		events:   make(chan driverEvent, 1024),
		closing:  make(chan struct{}),
		log:      log.WithComponent("fsmdriver"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Driver) run() {
	defer d.wg.Done()
	for ev := range d.events {
		metrics.RingBufferDepth.Set(float64(len(d.events)))
		switch ev.kind {
		case evApply:
			d.handleApply(ev.apply)
		case evSnapshotSave:
			d.handleSnapshotSave(ev.save)
		case evSnapshotLoad:
			d.handleSnapshotLoad(ev.load)
		case evLeaderStart:
			metrics.RaftIsLeader.Set(1)
			d.notifier.NotifyStart(ev.leaderTerm)
		case evLeaderStop:
			metrics.RaftIsLeader.Set(0)
			d.notifier.NotifyStop(ev.leaderTerm)
		case evShutdown:
			close(ev.doneCh)
			return
		}
	}
}

// latch records a state-machine failure that must never be silently
// skipped over. Once latched, ApplyOperation refuses to propose anything
// further on this node and, if this node is the leader, it gives up
// leadership so the rest of the cluster can elect a node that isn't
// poisoned. latch does not shut raft down outright: the node stays in the
// cluster with its applied state frozen, so an operator can inspect it
// before removing it. ApplyOperation refuses reads as well as writes
// once latched.
func (d *Driver) latch(err error) {
	d.latchedMu.Lock()
	alreadyLatched := d.latchedErr != nil
	if !alreadyLatched {
		d.latchedErr = err
	}
	d.latchedMu.Unlock()
	if alreadyLatched {
		return
	}

	d.log.Error().Err(err).Msg("latched state machine error, stepping down and refusing new writes")
	if d.raft != nil {
		go func() {
			if tErr := d.raft.LeadershipTransfer().Error(); tErr != nil {
				d.log.Warn().Err(tErr).Msg("leadership transfer after latch failed")
			}
		}()
	}
}

func (d *Driver) latchedError() error {
	d.latchedMu.Lock()
	defer d.latchedMu.Unlock()
	return d.latchedErr
}

func (d *Driver) setLastApplied(index, term uint64) {
	atomic.StoreUint64(&d.lastApplied, index)
	atomic.StoreUint64(&d.lastAppliedTerm, term)
	metrics.LastAppliedIndex.Set(float64(index))
	metrics.LastAppliedTerm.Set(float64(term))
}

// LastAppliedIndex returns the highest log index applied so far.
func (d *Driver) LastAppliedIndex() uint64 {
	return atomic.LoadUint64(&d.lastApplied)
}

// LastAppliedTerm returns the term of the highest applied entry.
func (d *Driver) LastAppliedTerm() uint64 {
	return atomic.LoadUint64(&d.lastAppliedTerm)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Bootstrap starts raft as a new single-node cluster.
func (d *Driver) Bootstrap() error {
	r, transport, err := d.newRaft()
	if err != nil {
		return err
	}
	d.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(d.nodeID), Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("driver: bootstrap cluster: %w", err)
	}

	d.watchLeadership()
	return nil
}

// JoinExisting starts raft for a node that will be added to an existing
// cluster by AddVoter on the leader; it does not itself contact a peer.
func (d *Driver) JoinExisting() error {
	r, _, err := d.newRaft()
	if err != nil {
		return err
	}
	d.raft = r
	d.watchLeadership()
	return nil
}

func (d *Driver) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("driver: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(d.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", d.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("driver: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(d.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("driver: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(d.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("driver: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(d.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("driver: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(d.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("driver: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, d, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("driver: create raft: %w", err)
	}
	return r, transport, nil
}

// watchLeadership drains raft's LeaderCh and translates each transition
// into a LEADER_START/LEADER_STOP event on the driver's own queue, so
// the leaderTerm bookkeeping in pkg/leader happens on the same single
// consumer as everything else.
func (d *Driver) watchLeadership() {
	d.watchWG.Add(1)
	go func() {
		defer d.watchWG.Done()
		var lastTerm uint64
		for {
			select {
			case isLeader, ok := <-d.raft.LeaderCh():
				if !ok {
					return
				}
				var ev driverEvent
				if isLeader {
					lastTerm = d.currentTerm()
					ev = driverEvent{kind: evLeaderStart, leaderTerm: lastTerm}
				} else {
					ev = driverEvent{kind: evLeaderStop, leaderTerm: lastTerm}
				}
				select {
				case d.events <- ev:
				case <-d.closing:
					return
				}
			case <-d.closing:
				return
			}
		}
	}()
}

func (d *Driver) currentTerm() uint64 {
	if d.raft == nil {
		return 0
	}
	term, err := strconv.ParseUint(d.raft.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return term
}

// AddVoter adds nodeID at address to the cluster. Must be called on the
// current leader.
func (d *Driver) AddVoter(nodeID, address string) error {
	if d.raft == nil {
		return fmt.Errorf("driver: raft not initialized")
	}
	return d.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes nodeID from the cluster. Must be called on the
// current leader.
func (d *Driver) RemoveServer(nodeID string) error {
	if d.raft == nil {
		return fmt.Errorf("driver: raft not initialized")
	}
	return d.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers returns the current raft configuration's server list.
func (d *Driver) GetClusterServers() ([]raft.Server, error) {
	if d.raft == nil {
		return nil, fmt.Errorf("driver: raft not initialized")
	}
	future := d.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("driver: get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (d *Driver) IsLeader() bool {
	return d.raft != nil && d.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader, if known.
func (d *Driver) LeaderAddr() string {
	if d.raft == nil {
		return ""
	}
	addr, _ := d.raft.LeaderWithID()
	return string(addr)
}

// GetRaftStats mirrors raft.Raft.Stats with a couple of driver-level
// fields layered on.
func (d *Driver) GetRaftStats() map[string]interface{} {
	if d.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":              d.raft.State().String(),
		"last_log_index":     d.raft.LastIndex(),
		"applied_index":      d.raft.AppliedIndex(),
		"leader":             string(d.raft.Leader()),
		"last_applied_index": d.LastAppliedIndex(),
		"last_applied_term":  d.LastAppliedTerm(),
	}
	if future := d.raft.GetConfiguration(); future.Error() == nil {
		stats["peers"] = uint64(len(future.Configuration().Servers))
	}
	return stats
}

// ApplyOperation submits an already-encoded operation to raft and waits for it
// to commit, returning whatever the FSM's Apply returned for it.
func (d *Driver) ApplyOperation(data []byte, timeout time.Duration) (interface{}, error) {
	if d.raft == nil {
		return nil, fmt.Errorf("driver: raft not initialized")
	}
	if err := d.latchedError(); err != nil {
		return nil, fmt.Errorf("driver: refusing to propose, state machine is latched: %w", err)
	}
	future := d.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("driver: apply: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return nil, err
	}
	return future.Response(), nil
}

// Shutdown stops raft and drains the driver's consumer. watchLeadership
// is stopped and joined before the event channel is closed, so it can
// never attempt a send on a closed channel racing this call.
func (d *Driver) Shutdown() error {
	if d.raft != nil {
		if err := d.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("driver: raft shutdown: %w", err)
		}
	}
	close(d.closing)
	d.watchWG.Wait()

	done := make(chan struct{})
	d.events <- driverEvent{kind: evShutdown, doneCh: done}
	<-done
	close(d.events)
	d.wg.Wait()
	return nil
}
