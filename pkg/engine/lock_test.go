package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhea/pkg/kvop"
)

func tryLockOp(t *testing.T, e *BoltEngine, key []byte, req kvop.LockRequest) kvop.Result {
	t.Helper()
	done := make(chan struct{})
	var result kvop.Result
	op := &kvop.Operation{Kind: kvop.KindKeyLock, Key: key, Lock: &req}
	e.BatchTryLockWith([]kvop.KV{opKV(op, func(r kvop.Result) { result = r; close(done) })})
	<-done
	return result
}

func releaseLockOp(t *testing.T, e *BoltEngine, key []byte, acquirerID string) kvop.Result {
	t.Helper()
	done := make(chan struct{})
	var result kvop.Result
	op := &kvop.Operation{Kind: kvop.KindKeyLockRelease, Key: key, LockRelease: &kvop.LockReleaseRequest{AcquirerID: acquirerID}}
	e.BatchReleaseLockWith([]kvop.KV{opKV(op, func(r kvop.Result) { result = r; close(done) })})
	<-done
	return result
}

func TestLockFirstAcquireGrantsFencingTokenOne(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	res := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})
	require.True(t, res.Succeeded())
	require.NotNil(t, res.Lock)
	assert.True(t, res.Lock.Success)
	assert.Equal(t, "FIRST_TIME_SUCCESS", res.Lock.Reason)
	assert.Equal(t, uint64(1), res.Lock.FencingToken)
	assert.Equal(t, uint32(1), res.Lock.Acquires)
}

func TestLockReentrantKeepsFencingTokenAndIncrementsAcquires(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	first := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})
	require.Equal(t, uint64(1), first.Lock.FencingToken)

	second := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 100})
	assert.True(t, second.Lock.Success)
	assert.Equal(t, "REENTRANT_SUCCESS", second.Lock.Reason)
	assert.Equal(t, uint64(1), second.Lock.FencingToken)
	assert.Equal(t, uint32(2), second.Lock.Acquires)
}

func TestLockKeepLeaseExtendsWithoutIncrementingAcquires(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	first := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})
	require.Equal(t, uint32(1), first.Lock.Acquires)

	kept := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 100, KeepLease: true})
	assert.True(t, kept.Lock.Success)
	assert.Equal(t, "KEEP_LEASE_SUCCESS", kept.Lock.Reason)
	assert.Equal(t, uint64(1), kept.Lock.FencingToken)
	assert.Equal(t, uint32(1), kept.Lock.Acquires)
}

func TestLockDifferentAcquirerFailsWhileValid(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})

	contender := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-2", LeaseMs: 1000, Now: 100})
	assert.False(t, contender.Lock.Success)
	assert.Equal(t, "OWNER_MISMATCH", contender.Lock.Reason)
	assert.Equal(t, "node-1", contender.Lock.OwnerID)
	assert.Equal(t, int64(900), contender.Lock.RemainingMs)
}

func TestLockKeepLeaseFailsWhenNoRecordOrExpired(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	noRecord := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0, KeepLease: true})
	assert.False(t, noRecord.Lock.Success)
	assert.Equal(t, "KEEP_LEASE_FAIL", noRecord.Lock.Reason)

	tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})

	expiredKeep := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 5000, KeepLease: true})
	assert.False(t, expiredKeep.Lock.Success)
	assert.Equal(t, "KEEP_LEASE_FAIL", expiredKeep.Lock.Reason)
}

func TestLockPreemptOnExpiryIssuesNewFencingToken(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	first := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})
	require.Equal(t, uint64(1), first.Lock.FencingToken)

	preempt := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-2", LeaseMs: 1000, Now: 5000})
	assert.True(t, preempt.Lock.Success)
	assert.Equal(t, "NEW_ACQUIRE_SUCCESS", preempt.Lock.Reason)
	assert.Equal(t, uint64(2), preempt.Lock.FencingToken)
	assert.Equal(t, uint32(1), preempt.Lock.Acquires)
}

func TestLockReleaseByNonOwnerFails(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})

	res := releaseLockOp(t, e, key, "node-2")
	assert.False(t, res.Lock.Success)
	assert.Equal(t, "OWNER_MISMATCH", res.Lock.Reason)
	assert.Equal(t, "node-1", res.Lock.OwnerID)

	still := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-2", LeaseMs: 1000, Now: 100})
	assert.False(t, still.Lock.Success)
}

func TestLockReleaseOfNonexistentLockIsIdempotentSuccess(t *testing.T) {
	e := mustOpenEngine(t)
	res := releaseLockOp(t, e, []byte("never-locked"), "node-1")
	assert.True(t, res.Lock.Success)
	assert.Equal(t, uint32(0), res.Lock.Acquires)
}

func TestLockReleaseDecrementsThenDeletes(t *testing.T) {
	e := mustOpenEngine(t)
	key := []byte("lock-a")

	tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})
	tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-1", LeaseMs: 1000, Now: 0})

	first := releaseLockOp(t, e, key, "node-1")
	assert.True(t, first.Lock.Success)
	assert.Equal(t, uint32(1), first.Lock.Acquires)

	second := releaseLockOp(t, e, key, "node-1")
	assert.True(t, second.Lock.Success)
	assert.Equal(t, uint32(0), second.Lock.Acquires)

	reacquired := tryLockOp(t, e, key, kvop.LockRequest{AcquirerID: "node-2", LeaseMs: 1000, Now: 0})
	assert.True(t, reacquired.Lock.Success)
	assert.Equal(t, uint64(2), reacquired.Lock.FencingToken)
}
