package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhea/pkg/kvop"
)

func opKV(op *kvop.Operation, onComplete func(kvop.Result)) kvop.KV {
	return kvop.KV{Payload: kvop.DecodedPayload(op), Closure: kvop.NewClosure(nil, onComplete)}
}

func mustOpenEngine(t *testing.T) *BoltEngine {
	t.Helper()
	e, err := Open(t.TempDir(), "region-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutAndGetRoundTrip(t *testing.T) {
	e := mustOpenEngine(t)

	var result kvop.Result
	done := make(chan struct{})
	e.BatchPut([]kvop.KV{opKV(&kvop.Operation{Kind: kvop.KindPut, Key: []byte("a"), Value: []byte("1")}, func(r kvop.Result) {
		result = r
		close(done)
	})})
	<-done
	assert.True(t, result.Succeeded())

	value, found, err := e.Get(CFDefault, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), value)

	_, found, err = e.Get(CFDefault, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutListWritesAllPairs(t *testing.T) {
	e := mustOpenEngine(t)

	done := make(chan struct{})
	op := &kvop.Operation{Kind: kvop.KindPutList, Items: []kvop.KVPair{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}}
	e.BatchPutList([]kvop.KV{opKV(op, func(kvop.Result) { close(done) })})
	<-done

	values, found, err := e.MultiGet(CFDefault, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, found)
	assert.Equal(t, []byte("1"), values[0])
	assert.Equal(t, []byte("2"), values[1])
}

func TestPutIfAbsentDoesNotOverwrite(t *testing.T) {
	e := mustOpenEngine(t)

	done := make(chan struct{})
	var first kvop.Result
	op1 := &kvop.Operation{Kind: kvop.KindPutIfAbsent, Key: []byte("k"), Value: []byte("first")}
	e.BatchPutIfAbsent([]kvop.KV{opKV(op1, func(r kvop.Result) { first = r; close(done) })})
	<-done
	assert.False(t, first.Found)

	done2 := make(chan struct{})
	var second kvop.Result
	op2 := &kvop.Operation{Kind: kvop.KindPutIfAbsent, Key: []byte("k"), Value: []byte("second")}
	e.BatchPutIfAbsent([]kvop.KV{opKV(op2, func(r kvop.Result) { second = r; close(done2) })})
	<-done2
	assert.True(t, second.Found)

	value, _, err := e.Get(CFDefault, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func TestDeleteRangeRemovesHalfOpenInterval(t *testing.T) {
	e := mustOpenEngine(t)

	done := make(chan struct{})
	put := &kvop.Operation{Kind: kvop.KindPutList, Items: []kvop.KVPair{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("d"), Value: []byte("4")},
	}}
	e.BatchPutList([]kvop.KV{opKV(put, func(kvop.Result) { close(done) })})
	<-done

	done2 := make(chan struct{})
	del := &kvop.Operation{Kind: kvop.KindDeleteRange, RangeStart: []byte("b"), RangeEnd: []byte("d")}
	e.BatchDeleteRange([]kvop.KV{opKV(del, func(kvop.Result) { close(done2) })})
	<-done2

	keys, _, err := e.Scan(CFDefault, []byte{}, []byte{}, 0)
	require.NoError(t, err)
	var remaining []string
	for _, k := range keys {
		remaining = append(remaining, string(k))
	}
	assert.Equal(t, []string{"a", "d"}, remaining)
}

func TestMergeAppendsToExisting(t *testing.T) {
	e := mustOpenEngine(t)

	for _, v := range []string{"a", "b", "c"} {
		done := make(chan struct{})
		op := &kvop.Operation{Kind: kvop.KindMerge, Key: []byte("log"), Value: []byte(v)}
		e.BatchMerge([]kvop.KV{opKV(op, func(kvop.Result) { close(done) })})
		<-done
	}

	value, found, err := e.Get(CFDefault, []byte("log"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("abc"), value)
}

func TestGetAndPutReturnsPreviousValue(t *testing.T) {
	e := mustOpenEngine(t)

	done1 := make(chan struct{})
	var first kvop.Result
	op1 := &kvop.Operation{Kind: kvop.KindGetPut, Key: []byte("k"), Value: []byte("v1")}
	e.BatchGetAndPut([]kvop.KV{{Payload: kvop.DecodedPayload(op1), Closure: kvop.NewClosure(nil, func(r kvop.Result) { first = r; close(done1) })}})
	<-done1
	assert.False(t, first.Found)

	done2 := make(chan struct{})
	var second kvop.Result
	op2 := &kvop.Operation{Kind: kvop.KindGetPut, Key: []byte("k"), Value: []byte("v2")}
	e.BatchGetAndPut([]kvop.KV{{Payload: kvop.DecodedPayload(op2), Closure: kvop.NewClosure(nil, func(r kvop.Result) { second = r; close(done2) })}})
	<-done2
	assert.True(t, second.Found)
	assert.Equal(t, []byte("v1"), second.Value)
}

func TestApproxCountAndJumpOver(t *testing.T) {
	e := mustOpenEngine(t)

	var items []kvop.KVPair
	for i := byte(0); i < 250; i++ {
		items = append(items, kvop.KVPair{Key: []byte{i}, Value: []byte{i}})
	}
	done := make(chan struct{})
	e.BatchPutList([]kvop.KV{opKV(&kvop.Operation{Kind: kvop.KindPutList, Items: items}, func(kvop.Result) { close(done) })})
	<-done

	count, err := e.ApproxCount(CFDefault, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), count)

	landed, err := e.JumpOver(CFDefault, []byte{0}, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{99}, landed)
}

func TestReopenBumpsVersion(t *testing.T) {
	e := mustOpenEngine(t)
	before := e.Version()
	require.NoError(t, e.Reopen())
	assert.Greater(t, e.Version(), before)
}
