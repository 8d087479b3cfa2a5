// Package kvop defines the tagged operation union applied by the state
// machine and the one-shot completion handles ("closures") that carry
// results back to whoever submitted the operation.
package kvop

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewRequestID returns a fresh identifier suitable for Operation.RequestID,
// letting a submitter correlate its own log lines with the one the driver
// and state machine emit for the same entry.
func NewRequestID() string {
	return uuid.NewString()
}

// Kind is the single-byte discriminator used for batch-grouping consecutive
// entries of the same operation type.
type Kind byte

const (
	KindPut Kind = iota + 1
	KindPutIfAbsent
	KindPutList
	KindDelete
	KindDeleteRange
	KindGet
	KindMultiGet
	KindScan
	KindGetPut
	KindMerge
	KindGetSequence
	KindResetSequence
	KindKeyLock
	KindKeyLockRelease
	KindNodeExecute
	KindRangeSplit
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindPutIfAbsent:
		return "PUT_IF_ABSENT"
	case KindPutList:
		return "PUT_LIST"
	case KindDelete:
		return "DELETE"
	case KindDeleteRange:
		return "DELETE_RANGE"
	case KindGet:
		return "GET"
	case KindMultiGet:
		return "MULTI_GET"
	case KindScan:
		return "SCAN"
	case KindGetPut:
		return "GET_PUT"
	case KindMerge:
		return "MERGE"
	case KindGetSequence:
		return "GET_SEQUENCE"
	case KindResetSequence:
		return "RESET_SEQUENCE"
	case KindKeyLock:
		return "KEY_LOCK"
	case KindKeyLockRelease:
		return "KEY_LOCK_RELEASE"
	case KindNodeExecute:
		return "NODE_EXECUTE"
	case KindRangeSplit:
		return "RANGE_SPLIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// KVPair is one entry of a PUT_LIST batch.
type KVPair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// LockRequest carries the fields a KEY_LOCK operation needs to evaluate
// the acquire state machine in pkg/engine.
type LockRequest struct {
	AcquirerID string `json:"acquirer_id"`
	LeaseMs    int64  `json:"lease_ms"`
	Now        int64  `json:"now"`
	KeepLease  bool   `json:"keep_lease"`
	Context    []byte `json:"context,omitempty"`
}

// LockReleaseRequest carries the fields a KEY_LOCK_RELEASE operation needs.
type LockReleaseRequest struct {
	AcquirerID string `json:"acquirer_id"`
}

// NodeExecRequest names a server-side function registered in an
// ExecRegistry and the opaque arguments to pass it. This is the only
// path by which the state machine runs anything beyond its enumerated
// KV operations, and it never accepts arbitrary code.
type NodeExecRequest struct {
	Name string `json:"name"`
	Args []byte `json:"args,omitempty"`
}

// RangeSplitRequest names the region handoff for a RANGE_SPLIT operation.
type RangeSplitRequest struct {
	FromRegion string `json:"from_region"`
	ToRegion   string `json:"to_region"`
	SplitKey   []byte `json:"split_key"`
}

// Operation is the tagged union of everything the state machine can apply.
// Only the fields relevant to Kind are populated; the rest are zero.
type Operation struct {
	RequestID string `json:"request_id,omitempty"`
	Kind      Kind   `json:"kind"`

	// DEFAULT column family unless set.
	ColumnFamily string `json:"cf,omitempty"`

	// PUT, PUT_IF_ABSENT, DELETE, GET, GET_PUT, MERGE, GET_SEQUENCE,
	// RESET_SEQUENCE, KEY_LOCK, KEY_LOCK_RELEASE.
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`

	// PUT_LIST.
	Items []KVPair `json:"items,omitempty"`

	// MULTI_GET.
	Keys [][]byte `json:"keys,omitempty"`

	// DELETE_RANGE, SCAN: half-open [RangeStart, RangeEnd).
	RangeStart []byte `json:"range_start,omitempty"`
	RangeEnd   []byte `json:"range_end,omitempty"`
	ScanLimit  int    `json:"scan_limit,omitempty"`

	// GET_SEQUENCE.
	SequenceStep uint64 `json:"sequence_step,omitempty"`

	// KEY_LOCK.
	Lock *LockRequest `json:"lock,omitempty"`

	// KEY_LOCK_RELEASE.
	LockRelease *LockReleaseRequest `json:"lock_release,omitempty"`

	// NODE_EXECUTE.
	Exec *NodeExecRequest `json:"exec,omitempty"`

	// RANGE_SPLIT.
	Split *RangeSplitRequest `json:"split,omitempty"`
}

// Discriminator returns the single byte used to group consecutive
// operations of the same kind into one batch.
func (op *Operation) Discriminator() byte {
	return byte(op.Kind)
}

// EncodeOperation serializes an Operation to the bytes that become a Raft
// log entry's payload. The wire format is intentionally just "the JSON
// encoding of Operation" — the state machine treats it as opaque bytes
// produced and consumed only through EncodeOperation/DecodeOperation, so
// swapping the serializer later touches only this file.
func EncodeOperation(op *Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("kvop: encode operation: %w", err)
	}
	return data, nil
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("kvop: decode operation: %w", err)
	}
	return &op, nil
}
