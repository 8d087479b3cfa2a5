package kvop

// PayloadKind tags a Payload as either still-encoded bytes or an
// already-decoded Operation.
type PayloadKind int

const (
	PayloadRaw PayloadKind = iota
	PayloadDecoded
)

// Payload is the enum the Design Notes ask for: a log entry's completion
// handle may carry either the raw bytes read off the log (the common,
// follower-side case) or the Operation object the leader already built
// before proposing it, skipping a redundant decode on the leader's own
// apply path. DecodedPayload is currently only exercised by tests:
// Driver.Apply always wraps the raft log's raw bytes in RawPayload, since
// hashicorp/raft hands every node, leader included, the same committed
// []byte rather than the pre-marshal Operation. Wiring the leader-side
// skip-decode optimization would mean the Driver caching its own
// just-proposed Operation keyed by log index and consulting that cache
// in Apply instead of always re-decoding.
type Payload struct {
	Kind    PayloadKind
	Raw     []byte
	Decoded *Operation
}

// RawPayload wraps undecoded log bytes.
func RawPayload(data []byte) Payload {
	return Payload{Kind: PayloadRaw, Raw: data}
}

// DecodedPayload wraps an Operation the caller already has in hand.
func DecodedPayload(op *Operation) Payload {
	return Payload{Kind: PayloadDecoded, Decoded: op}
}

// Resolve returns the Operation, decoding lazily if the payload only
// carries raw bytes.
func (p Payload) Resolve() (*Operation, error) {
	if p.Kind == PayloadDecoded {
		return p.Decoded, nil
	}
	return DecodeOperation(p.Raw)
}

// KV pairs an Operation with the Closure tracking its completion. The
// Closure may be nil for entries that arrived without a local waiter
// (e.g. replayed from a follower's log with no in-memory submitter).
type KV struct {
	Payload Payload
	Closure *Closure
}
