package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTrace = []TraceEvent{
	{Op: OpEmit, DID: "did:plc:a", EventID: 1},
	{Op: OpEmit, DID: "did:plc:a", EventID: 2},
	{Op: OpPromote, EventID: 1, Seq: 1},
	{Op: OpPromote, EventID: 2, Seq: 2},
	{Op: OpAdvance, At: "2024-01-01T01:00:00Z"},
	{Op: OpTick, Due: 1, Reverted: 1},
}

func TestAssertTraceCount(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Op: OpEmit, Count: 2}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Op: OpRevert, Count: 0}))

	err := assertTraceCount(sampleTrace, Assertion{Op: OpPromote, Count: 3})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceCount, ae.Type)
	assert.Equal(t, "2 occurrences", ae.Actual)
}

func TestAssertTraceOrder(t *testing.T) {
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Ops: []string{OpEmit, OpPromote, OpTick}}))
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Ops: []string{OpEmit, OpTick}}))

	err := assertTraceOrder(sampleTrace, Assertion{Ops: []string{OpTick, OpEmit}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick (pos 6) should be before emit (pos 1)")

	err = assertTraceOrder(sampleTrace, Assertion{Ops: []string{OpEmit, OpLeaderSwap}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: leader_swap")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of revert",
		Actual:   "0 occurrences",
		Trace:    sampleTrace[:3],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "  Expected: 1 occurrences of revert")
	assert.Contains(t, msg, "[1] emit did=did:plc:a event_id=1")
	assert.Contains(t, msg, "[3] promote seq=1 event_id=1")
}

func TestEvaluateAssertions_StateNeedsContext(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Op: OpTick, Count: 1},
		{Type: AssertOutgoingOrder},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires database context")
	assert.Contains(t, errs[1], "unknown assertion type")
}

func TestTraceSnapshot_Marshal(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "tiny",
		Trace: []TraceEvent{
			{Op: OpEmit, DID: "did:plc:a", EventID: 1},
			{Op: OpTick},
			{Op: OpLeaderSwap, Generation: 2},
		},
	}
	data, err := snap.Marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"tiny","trace":[{"did":"did:plc:a","event_id":1,"op":"emit"},{"op":"tick"},{"generation":2,"op":"leader_swap"}]}`+"\n",
		string(data))
}
