package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rhea/pkg/kvop"
	"github.com/cuemby/rhea/pkg/metrics"
)

// Owner is the persisted record of who holds a lock. It is kept behind
// the OwnerCodec interface below so the wire format can evolve without
// touching the acquire/release state machine.
type Owner struct {
	AcquirerID   string `json:"acquirer_id"`
	Deadline     int64  `json:"deadline"`
	FencingToken uint64 `json:"fencing_token"`
	Acquires     uint32 `json:"acquires"`
	Context      []byte `json:"context,omitempty"`
}

// OwnerCodec serializes/deserializes Owner records, pluggable per the
// Design Note that the persisted format should be able to evolve
// independently of the lock protocol itself.
type OwnerCodec interface {
	Encode(Owner) ([]byte, error)
	Decode([]byte) (Owner, error)
}

type jsonOwnerCodec struct{}

func (jsonOwnerCodec) Encode(o Owner) ([]byte, error) { return json.Marshal(o) }
func (jsonOwnerCodec) Decode(data []byte) (Owner, error) {
	var o Owner
	err := json.Unmarshal(data, &o)
	return o, err
}

// DefaultOwnerCodec is the codec used unless overridden.
var DefaultOwnerCodec OwnerCodec = jsonOwnerCodec{}

func incrementFencingCounter(b *bolt.Bucket) (uint64, error) {
	cur := uint64(0)
	if v := b.Get(fencingCounterKey); len(v) == 8 {
		cur = binary.BigEndian.Uint64(v)
	}
	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := b.Put(fencingCounterKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// tryLock evaluates one acquisition against the lock/fencing buckets,
// implementing the full state table from the distributed lock protocol.
func tryLock(lockBucket, fencingBucket *bolt.Bucket, key []byte, req *kvop.LockRequest) (kvop.LockOutcome, error) {
	existing := lockBucket.Get(key)

	grant := func(reason string) (kvop.LockOutcome, error) {
		token, err := incrementFencingCounter(fencingBucket)
		if err != nil {
			return kvop.LockOutcome{}, err
		}
		owner := Owner{
			AcquirerID:   req.AcquirerID,
			Deadline:     req.Now + req.LeaseMs,
			FencingToken: token,
			Acquires:     1,
			Context:      req.Context,
		}
		data, err := DefaultOwnerCodec.Encode(owner)
		if err != nil {
			return kvop.LockOutcome{}, err
		}
		if err := lockBucket.Put(key, data); err != nil {
			return kvop.LockOutcome{}, err
		}
		return kvop.LockOutcome{Success: true, Reason: reason, FencingToken: token, Acquires: 1}, nil
	}

	if existing == nil {
		if req.KeepLease {
			return kvop.LockOutcome{Success: false, Reason: "KEEP_LEASE_FAIL"}, nil
		}
		return grant("FIRST_TIME_SUCCESS")
	}

	owner, err := DefaultOwnerCodec.Decode(existing)
	if err != nil {
		return kvop.LockOutcome{}, fmt.Errorf("decode lock owner: %w", err)
	}

	expired := owner.Deadline < req.Now
	if expired {
		if req.KeepLease {
			// Fails without clearing the record; a future non-keepLease
			// call is what actually preempts.
			return kvop.LockOutcome{Success: false, Reason: "KEEP_LEASE_FAIL"}, nil
		}
		return grant("NEW_ACQUIRE_SUCCESS")
	}

	if owner.AcquirerID == req.AcquirerID {
		if req.KeepLease {
			owner.Deadline = req.Now + req.LeaseMs
			data, err := DefaultOwnerCodec.Encode(owner)
			if err != nil {
				return kvop.LockOutcome{}, err
			}
			if err := lockBucket.Put(key, data); err != nil {
				return kvop.LockOutcome{}, err
			}
			return kvop.LockOutcome{Success: true, Reason: "KEEP_LEASE_SUCCESS", FencingToken: owner.FencingToken, Acquires: owner.Acquires}, nil
		}

		owner.Deadline = req.Now + req.LeaseMs
		owner.Acquires++
		owner.Context = req.Context
		data, err := DefaultOwnerCodec.Encode(owner)
		if err != nil {
			return kvop.LockOutcome{}, err
		}
		if err := lockBucket.Put(key, data); err != nil {
			return kvop.LockOutcome{}, err
		}
		return kvop.LockOutcome{Success: true, Reason: "REENTRANT_SUCCESS", FencingToken: owner.FencingToken, Acquires: owner.Acquires}, nil
	}

	return kvop.LockOutcome{
		Success:     false,
		Reason:      "OWNER_MISMATCH",
		OwnerID:     owner.AcquirerID,
		RemainingMs: owner.Deadline - req.Now,
	}, nil
}

// releaseLock decrements the acquire count, deleting the record once it
// reaches zero. Releasing a record owned by someone else fails without
// modifying state; releasing a nonexistent lock is treated as an
// idempotent success.
func releaseLock(lockBucket *bolt.Bucket, key []byte, acquirerID string) (kvop.LockOutcome, error) {
	existing := lockBucket.Get(key)
	if existing == nil {
		return kvop.LockOutcome{Success: true, Acquires: 0}, nil
	}

	owner, err := DefaultOwnerCodec.Decode(existing)
	if err != nil {
		return kvop.LockOutcome{}, fmt.Errorf("decode lock owner: %w", err)
	}
	if owner.AcquirerID != acquirerID {
		return kvop.LockOutcome{Success: false, Reason: "OWNER_MISMATCH", OwnerID: owner.AcquirerID}, nil
	}

	owner.Acquires--
	if owner.Acquires == 0 {
		if err := lockBucket.Delete(key); err != nil {
			return kvop.LockOutcome{}, err
		}
		return kvop.LockOutcome{Success: true, Acquires: 0, FencingToken: owner.FencingToken}, nil
	}

	data, err := DefaultOwnerCodec.Encode(owner)
	if err != nil {
		return kvop.LockOutcome{}, err
	}
	if err := lockBucket.Put(key, data); err != nil {
		return kvop.LockOutcome{}, err
	}
	return kvop.LockOutcome{Success: true, Acquires: owner.Acquires, FencingToken: owner.FencingToken}, nil
}

// BatchTryLockWith applies KEY_LOCK operations.
func (e *BoltEngine) BatchTryLockWith(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		outcomes := make([]kvop.LockOutcome, len(ch))
		err := e.update(func(tx *bolt.Tx) error {
			lockBucket := tx.Bucket(bucketName(CFLocking))
			fencingBucket := tx.Bucket(bucketName(CFFencing))
			if lockBucket == nil || fencingBucket == nil {
				return fmt.Errorf("locking/fencing column families missing")
			}
			for i, r := range ch {
				outcome, err := tryLock(lockBucket, fencingBucket, r.op.Key, r.op.Lock)
				if err != nil {
					return err
				}
				outcomes[i] = outcome
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				o := outcomes[i]
				result := "fail"
				if o.Success {
					result = "success"
					metrics.LockFenceTokenCurrent.Set(float64(o.FencingToken))
				}
				metrics.LockAcquireTotal.WithLabelValues(result).Inc()
				return kvop.Result{Status: kvop.OK, Lock: &o}
			})
		}
	}
}

// BatchReleaseLockWith applies KEY_LOCK_RELEASE operations.
func (e *BoltEngine) BatchReleaseLockWith(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		outcomes := make([]kvop.LockOutcome, len(ch))
		err := e.update(func(tx *bolt.Tx) error {
			lockBucket := tx.Bucket(bucketName(CFLocking))
			if lockBucket == nil {
				return fmt.Errorf("locking column family missing")
			}
			for i, r := range ch {
				outcome, err := releaseLock(lockBucket, r.op.Key, r.op.LockRelease.AcquirerID)
				if err != nil {
					return err
				}
				outcomes[i] = outcome
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				o := outcomes[i]
				return kvop.Result{Status: kvop.OK, Lock: &o}
			})
		}
	}
}
