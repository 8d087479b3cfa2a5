package engine

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rhea/pkg/kvop"
)

// resolved pairs a decoded Operation with the Closure that should learn
// its outcome. Decode failures are resolved immediately and never reach
// a transaction.
type resolved struct {
	op      *kvop.Operation
	closure *kvop.Closure
}

func resolveAll(items []kvop.KV) []resolved {
	out := make([]resolved, 0, len(items))
	for _, it := range items {
		op, err := it.Payload.Resolve()
		if err != nil {
			if it.Closure != nil {
				it.Closure.Fail(kvop.Fail(kvop.CodeDecodeError, err.Error()))
			}
			continue
		}
		out = append(out, resolved{op: op, closure: it.Closure})
	}
	return out
}

func cfOf(op *kvop.Operation) ColumnFamily {
	if op.ColumnFamily == "" {
		return CFDefault
	}
	return ColumnFamily(op.ColumnFamily)
}

// completeChunk resolves every closure in ch according to the outcome of
// the transaction that processed it. A transaction-level error (I/O
// failure, bad column family) fails every closure in the chunk alike;
// chunks already committed before this one keep their successes.
func completeChunk(ch []resolved, txErr error, onSuccess func(resolved) kvop.Result) {
	for _, r := range ch {
		if r.closure == nil {
			continue
		}
		if txErr != nil {
			r.closure.Fail(kvop.Fail(kvop.CodeStorageError, txErr.Error()))
			continue
		}
		r.closure.Complete(onSuccess(r))
	}
}

// BatchPut applies a batch of PUT operations.
func (e *BoltEngine) BatchPut(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			for _, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				if err := b.Put(r.op.Key, r.op.Value); err != nil {
					return err
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}

// BatchPutList applies a batch of PUT_LIST operations, each carrying a
// list of key/value pairs to write atomically within its chunk.
func (e *BoltEngine) BatchPutList(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			for _, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				for _, kv := range r.op.Items {
					if err := b.Put(kv.Key, kv.Value); err != nil {
						return err
					}
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}

// BatchPutIfAbsent applies PUT_IF_ABSENT operations; an existing key is
// left untouched and reported via Result.Found.
func (e *BoltEngine) BatchPutIfAbsent(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		found := make([]bool, len(ch))
		err := e.update(func(tx *bolt.Tx) error {
			for i, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				if b.Get(r.op.Key) != nil {
					found[i] = true
					continue
				}
				if err := b.Put(r.op.Key, r.op.Value); err != nil {
					return err
				}
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, Found: found[i]}
			})
		}
	}
}

// BatchDelete applies DELETE operations.
func (e *BoltEngine) BatchDelete(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			for _, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				if err := b.Delete(r.op.Key); err != nil {
					return err
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}

// BatchDeleteRange applies DELETE_RANGE operations. Per operation it
// walks [RangeStart, RangeEnd) and deletes keys one at a time, rather
// than relying on a native range-delete primitive bbolt doesn't offer.
func (e *BoltEngine) BatchDeleteRange(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			for _, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				c := b.Cursor()
				var toDelete [][]byte
				for k, _ := c.Seek(r.op.RangeStart); k != nil; k, _ = c.Next() {
					if len(r.op.RangeEnd) > 0 && bytes.Compare(k, r.op.RangeEnd) >= 0 {
						break
					}
					toDelete = append(toDelete, append([]byte(nil), k...))
				}
				for _, k := range toDelete {
					if err := b.Delete(k); err != nil {
						return err
					}
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}

// BatchMerge applies MERGE operations using a string-append merge
// operator: the new value is appended to whatever is already stored.
func (e *BoltEngine) BatchMerge(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			for _, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				existing := b.Get(r.op.Key)
				merged := append(append([]byte(nil), existing...), r.op.Value...)
				if err := b.Put(r.op.Key, merged); err != nil {
					return err
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}

// BatchGetAndPut applies GET_PUT operations, returning the value visible
// just before the put in each Result.
func (e *BoltEngine) BatchGetAndPut(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		previous := make([][]byte, len(ch))
		found := make([]bool, len(ch))
		err := e.update(func(tx *bolt.Tx) error {
			for i, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				if v := b.Get(r.op.Key); v != nil {
					previous[i] = append([]byte(nil), v...)
					found[i] = true
				}
				if err := b.Put(r.op.Key, r.op.Value); err != nil {
					return err
				}
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, Value: previous[i], Found: found[i]}
			})
		}
	}
}

// BatchGet applies GET operations. Reads are executed through the same
// chunking path as writes for read-index style consistency with
// concurrently applying writes in the same batch window.
func (e *BoltEngine) BatchGet(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		values := make([][]byte, len(ch))
		found := make([]bool, len(ch))
		err := e.view(func(tx *bolt.Tx) error {
			for i, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				if v := b.Get(r.op.Key); v != nil {
					values[i] = append([]byte(nil), v...)
					found[i] = true
				}
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, Value: values[i], Found: found[i]}
			})
		}
	}
}

// BatchMultiGet applies MULTI_GET operations.
func (e *BoltEngine) BatchMultiGet(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		allValues := make([][][]byte, len(ch))
		err := e.view(func(tx *bolt.Tx) error {
			for i, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				vals := make([][]byte, len(r.op.Keys))
				for j, k := range r.op.Keys {
					if v := b.Get(k); v != nil {
						vals[j] = append([]byte(nil), v...)
					}
				}
				allValues[i] = vals
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, Keys: r.op.Keys, Values: allValues[i]}
			})
		}
	}
}

// BatchScan applies SCAN operations.
func (e *BoltEngine) BatchScan(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		allKeys := make([][][]byte, len(ch))
		allValues := make([][][]byte, len(ch))
		err := e.view(func(tx *bolt.Tx) error {
			for i, r := range ch {
				b := tx.Bucket(bucketName(cfOf(r.op)))
				if b == nil {
					return fmt.Errorf("unknown column family %s", cfOf(r.op))
				}
				c := b.Cursor()
				var ks, vs [][]byte
				for k, v := c.Seek(r.op.RangeStart); k != nil; k, v = c.Next() {
					if len(r.op.RangeEnd) > 0 && bytes.Compare(k, r.op.RangeEnd) >= 0 {
						break
					}
					ks = append(ks, append([]byte(nil), k...))
					vs = append(vs, append([]byte(nil), v...))
					if r.op.ScanLimit > 0 && len(ks) >= r.op.ScanLimit {
						break
					}
				}
				allKeys[i], allValues[i] = ks, vs
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, Keys: allKeys[i], Values: allValues[i]}
			})
		}
	}
}
