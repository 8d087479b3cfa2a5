package kvop

import "sync"

// Closure is a one-shot completion handle with two independent hooks:
// OnCommitted, a pre-apply observer with no result yet, and Complete/Fail,
// which the state machine calls once the operation has actually been
// applied. Each hook takes effect at most once.
//
// A Closure submitted on the local leader can be paired with the
// Operation it was built from via Payload (see payload.go), letting the
// apply path skip re-decoding bytes it already has in memory.
type Closure struct {
	mu          sync.Mutex
	committed   bool
	completed   bool
	onCommitted func()
	onComplete  func(Result)
}

// NewClosure builds a Closure. Either callback may be nil.
func NewClosure(onCommitted func(), onComplete func(Result)) *Closure {
	return &Closure{onCommitted: onCommitted, onComplete: onComplete}
}

// OnCommitted is the pre-apply observer hook, for callers that want to
// learn an entry was committed before the state machine has applied it.
// pkg/driver does not call it. Only the first call has an effect;
// subsequent calls are no-ops.
func (c *Closure) OnCommitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed {
		return
	}
	c.committed = true
	if c.onCommitted != nil {
		c.onCommitted()
	}
}

// Complete resolves the closure with a result. Only the first call has
// an effect; a closure already completed is never resolved twice.
func (c *Closure) Complete(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	if c.onComplete != nil {
		c.onComplete(res)
	}
}

// Fail is shorthand for Complete with only a failure status set.
func (c *Closure) Fail(status Status) {
	c.Complete(Result{Status: status})
}

// IsCompleted reports whether Complete/Fail has already run.
func (c *Closure) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}
