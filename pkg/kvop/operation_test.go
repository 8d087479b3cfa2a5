package kvop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeOperationRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		op   *Operation
	}{
		{
			name: "put",
			op:   &Operation{Kind: KindPut, Key: []byte("a"), Value: []byte("1")},
		},
		{
			name: "delete range",
			op:   &Operation{Kind: KindDeleteRange, RangeStart: []byte("a"), RangeEnd: []byte("z")},
		},
		{
			name: "key lock",
			op: &Operation{
				Kind: KindKeyLock,
				Key:  []byte("lock-key"),
				Lock: &LockRequest{AcquirerID: "A", LeaseMs: 1000, Now: 100, KeepLease: false},
			},
		},
		{
			name: "node execute",
			op:   &Operation{Kind: KindNodeExecute, Exec: &NodeExecRequest{Name: "compact", Args: []byte("region-1")}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeOperation(tc.op)
			require.NoError(t, err)

			decoded, err := DecodeOperation(data)
			require.NoError(t, err)
			assert.Equal(t, tc.op.Kind, decoded.Kind)
			assert.Equal(t, tc.op.Key, decoded.Key)
			assert.Equal(t, byte(tc.op.Kind), tc.op.Discriminator())
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "PUT", KindPut.String())
	assert.Equal(t, "RANGE_SPLIT", KindRangeSplit.String())
	assert.Contains(t, Kind(99).String(), "UNKNOWN")
}

func TestClosureCompletesExactlyOnce(t *testing.T) {
	var results []Result
	var committedCount int

	c := NewClosure(func() {
		committedCount++
	}, func(r Result) {
		results = append(results, r)
	})

	c.OnCommitted()
	c.OnCommitted() // second call must be a no-op
	assert.Equal(t, 1, committedCount)

	c.Complete(Result{Status: OK})
	c.Fail(Fail(CodeStorageError, "should not apply")) // must be a no-op
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.True(t, c.IsCompleted())
}

func TestPayloadResolve(t *testing.T) {
	op := &Operation{Kind: KindGet, Key: []byte("k")}

	decoded := DecodedPayload(op)
	resolved, err := decoded.Resolve()
	require.NoError(t, err)
	assert.Same(t, op, resolved)

	data, err := EncodeOperation(op)
	require.NoError(t, err)
	raw := RawPayload(data)
	resolved, err = raw.Resolve()
	require.NoError(t, err)
	assert.Equal(t, op.Kind, resolved.Kind)
	assert.Equal(t, op.Key, resolved.Key)
}

func TestExecRegistry(t *testing.T) {
	reg := NewExecRegistry()
	reg.Register("echo", func(ctx context.Context, args []byte) ([]byte, error) {
		return args, nil
	})
	_, ok := reg.Lookup("missing")
	assert.False(t, ok)
	_, ok = reg.Lookup("echo")
	assert.True(t, ok)

	out, err := reg.Invoke(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)

	_, err = reg.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}
