package engine

// ColumnFamily names one of the independently-configured key spaces
// inside a region's bbolt database. Each maps to exactly one bbolt
// bucket.
type ColumnFamily string

const (
	CFDefault  ColumnFamily = "default"
	CFSequence ColumnFamily = "RHEA_SEQUENCE"
	CFLocking  ColumnFamily = "RHEA_LOCKING"
	CFFencing  ColumnFamily = "RHEA_FENCING"
)

// allColumnFamilies is the fixed set created on open. The engine never
// creates buckets lazily — every column family exists for the lifetime
// of the database file.
var allColumnFamilies = []ColumnFamily{CFDefault, CFSequence, CFLocking, CFFencing}

// fencingCounterKey is the well-known key the single u64 fencing counter
// is stored under within CFFencing.
var fencingCounterKey = []byte("fencing_counter")

func bucketName(cf ColumnFamily) []byte {
	return []byte(cf)
}
