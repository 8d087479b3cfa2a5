package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rhea/pkg/kvop"
)

func readSequence(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeSequence(b *bolt.Bucket, key []byte, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return b.Put(key, buf)
}

// saturatingAdd computes prior+step clamped to math.MaxInt64, resolving
// the Open Question on saturation intent as "clamp, not wrap": an
// otherwise uint64 counter is kept within the range a signed 64-bit
// consumer can represent without going negative.
func saturatingAdd(prior, step uint64) uint64 {
	const ceiling = uint64(math.MaxInt64)
	if step > ceiling-prior {
		return ceiling
	}
	return prior + step
}

// BatchGetSequence applies GET_SEQUENCE operations. Each atomically
// returns [old, old+step) and persists old+step. Repeated operations on
// the same key within one chunk are applied in order within the same
// bbolt transaction, so each sees the prior one's write.
func (e *BoltEngine) BatchGetSequence(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		starts := make([]uint64, len(ch))
		ends := make([]uint64, len(ch))
		err := e.update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName(CFSequence))
			if b == nil {
				return fmt.Errorf("unknown column family %s", CFSequence)
			}
			for i, r := range ch {
				prior := readSequence(b, r.op.Key)
				end := saturatingAdd(prior, r.op.SequenceStep)
				if err := writeSequence(b, r.op.Key, end); err != nil {
					return err
				}
				starts[i], ends[i] = prior, end
			}
			return nil
		})
		for i, r := range ch {
			i := i
			completeChunk([]resolved{r}, err, func(resolved) kvop.Result {
				return kvop.Result{Status: kvop.OK, SequenceStart: starts[i], SequenceEnd: ends[i]}
			})
		}
	}
}

// BatchResetSequence applies RESET_SEQUENCE operations, zeroing the
// counter for each key by deleting its record.
func (e *BoltEngine) BatchResetSequence(items []kvop.KV) {
	for _, ch := range chunk(resolveAll(items), MaxBatchWriteSize) {
		err := e.update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName(CFSequence))
			if b == nil {
				return fmt.Errorf("unknown column family %s", CFSequence)
			}
			for _, r := range ch {
				if err := b.Delete(r.op.Key); err != nil {
					return err
				}
			}
			return nil
		})
		completeChunk(ch, err, func(resolved) kvop.Result { return kvop.Result{Status: kvop.OK} })
	}
}
