package engine

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Get performs a point read in cf. found is false when the key is absent.
func (e *BoltEngine) Get(cf ColumnFamily, key []byte) (value []byte, found bool, err error) {
	err = e.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return fmt.Errorf("unknown column family %s", cf)
		}
		v := b.Get(key)
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, found, err
}

// MultiGet reads several keys from cf in one transaction.
func (e *BoltEngine) MultiGet(cf ColumnFamily, keys [][]byte) (values [][]byte, found []bool, err error) {
	values = make([][]byte, len(keys))
	found = make([]bool, len(keys))
	err = e.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return fmt.Errorf("unknown column family %s", cf)
		}
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				found[i] = true
				values[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return values, found, err
}

// Scan walks the half-open range [start, end) in cf, stopping after
// limit results (limit <= 0 means unbounded). An empty end means "no
// upper bound".
func (e *BoltEngine) Scan(cf ColumnFamily, start, end []byte, limit int) (keys, values [][]byte, err error) {
	err = e.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return fmt.Errorf("unknown column family %s", cf)
		}
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if len(end) > 0 && bytes.Compare(k, end) >= 0 {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
			values = append(values, append([]byte(nil), v...))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, values, err
}

// approxCountStride is the stride ApproxCount walks the cursor in.
// JumpOver takes its stride as an argument instead.
const approxCountStride = 100

// ApproxCount counts the keys in [start, end), walking the cursor in
// strides of approxCountStride keys. Every key in the range is still
// visited with Next(), so the returned count is exact.
func (e *BoltEngine) ApproxCount(cf ColumnFamily, start, end []byte) (uint64, error) {
	var count uint64
	err := e.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return fmt.Errorf("unknown column family %s", cf)
		}
		c := b.Cursor()
		k, _ := c.Seek(start)
		for k != nil && (len(end) == 0 || bytes.Compare(k, end) < 0) {
			n, landed := advance(c, k, approxCountStride, end)
			count += n
			if landed == nil {
				break
			}
			k, _ = c.Next()
		}
		return nil
	})
	return count, err
}

// JumpOver advances stride keys from start within cf and returns the key
// landed on, honoring the upper bound end if supplied. It returns a nil
// key once the range is exhausted before stride is reached.
func (e *BoltEngine) JumpOver(cf ColumnFamily, start []byte, stride int, end []byte) ([]byte, error) {
	var landed []byte
	err := e.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return fmt.Errorf("unknown column family %s", cf)
		}
		c := b.Cursor()
		k, _ := c.Seek(start)
		_, landed = advance(c, k, stride, end)
		return nil
	})
	return landed, err
}

// advance walks the cursor forward from the already-seeked key k for up
// to n steps, stopping early at end. It returns how many keys it counted
// and the last key visited (nil if the range was already exhausted).
func advance(c *bolt.Cursor, k []byte, n int, end []byte) (counted uint64, last []byte) {
	for i := 0; i < n && k != nil; i++ {
		if len(end) > 0 && bytes.Compare(k, end) >= 0 {
			return counted, last
		}
		counted++
		last = k
		if i < n-1 {
			k, _ = c.Next()
		}
	}
	return counted, last
}
