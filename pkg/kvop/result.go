package kvop

// Status is the (code, message) pair every closure resolves with. Code 0
// is success; everything else is a failure the caller can branch on.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK is the zero-value success status.
var OK = Status{Code: 0}

// Error kinds, mirrored as status codes so a closure failure can be
// told apart from the driver's process-level error handling.
const (
	CodeDecodeError       = 1
	CodeIllegalOperation  = 2
	CodeStorageError      = 3
	CodeSnapshotIOError   = 4
	CodeStaleSnapshot     = 5
	CodeLatchedStateError = 6
	CodeLockFailed        = 7
	CodeNotFound          = 8
)

// Fail builds a failure Status from a code and a formatted reason.
func Fail(code int, message string) Status {
	return Status{Code: code, Message: message}
}

// LockOutcome is the lock-specific half of a Result: the KEY_LOCK /
// KEY_LOCK_RELEASE reply payload. Success is reported here even when the
// RPC itself (the Status) succeeded, per the spec's "success=true/false
// in the payload" rule — acquiring a lock can fail cleanly without that
// being an apply error.
type LockOutcome struct {
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	FencingToken uint64 `json:"fencing_token,omitempty"`
	Acquires     uint32 `json:"acquires,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	RemainingMs  int64  `json:"remaining_ms,omitempty"`
}

// Result is what a Closure is completed with.
type Result struct {
	Status Status

	// GET, GET_PUT (previous value).
	Value []byte
	Found bool

	// MULTI_GET, SCAN.
	Keys   [][]byte
	Values [][]byte

	// GET_SEQUENCE / RESET_SEQUENCE.
	SequenceStart uint64
	SequenceEnd   uint64

	// KEY_LOCK / KEY_LOCK_RELEASE.
	Lock *LockOutcome

	// NODE_EXECUTE.
	ExecOutput []byte
}

// Succeeded reports whether the status code is OK.
func (r Result) Succeeded() bool {
	return r.Status.Code == 0
}
