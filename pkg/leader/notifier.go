// Package leader fans out leader-start/leader-stop notifications off the
// apply thread. Running listener callbacks synchronously on that thread
// is unsafe: a listener may itself submit an operation to the state
// machine, which would deadlock waiting for the single apply consumer
// it is currently blocking.
package leader

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/rhea/pkg/log"
)

// StartListener is notified when this node becomes leader for term.
type StartListener func(term uint64)

// StopListener is notified when this node stops being leader, with the
// term it held before stepping down.
type StopListener func(oldTerm uint64)

// Notifier tracks the current leader term and fans leader-state changes
// out to a bounded worker pool instead of calling listeners inline.
type Notifier struct {
	mu        sync.Mutex
	starters  []StartListener
	stoppers  []StopListener
	term      int64 // -1 when not leader; read via atomic
	workQueue chan func()
	wg        sync.WaitGroup
}

// NewNotifier creates a Notifier with workers bounded workers draining
// its fanout queue.
func NewNotifier(workers int) *Notifier {
	if workers <= 0 {
		workers = 1
	}
	n := &Notifier{
		term:      -1,
		workQueue: make(chan func(), 256),
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for task := range n.workQueue {
		task()
	}
}

// OnStart registers a StartListener. Writers clone the listener slice
// and swap it under the lock, so concurrent fanout always sees a
// consistent snapshot of listeners registered at dispatch time.
func (n *Notifier) OnStart(l StartListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := make([]StartListener, len(n.starters)+1)
	copy(next, n.starters)
	next[len(n.starters)] = l
	n.starters = next
}

// OnStop registers a StopListener, copy-on-write like OnStart.
func (n *Notifier) OnStop(l StopListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := make([]StopListener, len(n.stoppers)+1)
	copy(next, n.stoppers)
	next[len(n.stoppers)] = l
	n.stoppers = next
}

// IsLeader reports whether the apply thread currently considers this
// node leader. Safe to call concurrently from any goroutine.
func (n *Notifier) IsLeader() bool {
	return atomic.LoadInt64(&n.term) >= 0
}

// LeaderTerm returns the current term, or -1 when not leader.
func (n *Notifier) LeaderTerm() int64 {
	return atomic.LoadInt64(&n.term)
}

// NotifyStart updates leaderTerm synchronously (so IsLeader is accurate
// the instant this call returns) then enqueues listener fanout.
func (n *Notifier) NotifyStart(term uint64) {
	atomic.StoreInt64(&n.term, int64(term))

	n.mu.Lock()
	listeners := n.starters
	n.mu.Unlock()

	logger := log.WithComponent("leader")
	for _, l := range listeners {
		l := l
		select {
		case n.workQueue <- func() { l(term) }:
		default:
			logger.Warn().Uint64("term", term).Msg("leader start fanout queue full, spilling to its own goroutine")
			go l(term)
		}
	}
}

// NotifyStop updates leaderTerm to -1 synchronously, then enqueues
// listener fanout carrying the term this node is stepping down from.
func (n *Notifier) NotifyStop(oldTerm uint64) {
	atomic.StoreInt64(&n.term, -1)

	n.mu.Lock()
	listeners := n.stoppers
	n.mu.Unlock()

	logger := log.WithComponent("leader")
	for _, l := range listeners {
		l := l
		select {
		case n.workQueue <- func() { l(oldTerm) }:
		default:
			logger.Warn().Uint64("old_term", oldTerm).Msg("leader stop fanout queue full, spilling to its own goroutine")
			go l(oldTerm)
		}
	}
}

// Shutdown drains the fanout queue and stops its workers. Callers must
// not invoke NotifyStart/NotifyStop after Shutdown.
func (n *Notifier) Shutdown() {
	close(n.workQueue)
	n.wg.Wait()
}
