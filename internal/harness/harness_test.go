package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scheduled_reversal_handoff.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	yes := true
	scenario := &Scenario{
		Name:        "unsequenced",
		Description: "events are emitted but never drained",
		Events:      []EventStep{{DID: "did:plc:alice", Count: 2}},
		Steps:       []Step{{Advance: "1s"}},
		Assertions: []Assertion{
			{Type: AssertCaughtUp, Value: &yes},
			{Type: AssertTraceCount, Op: OpPromote, Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "caught up = true")
	assert.Contains(t, result.Errors[1], "2 occurrences of promote")
}

func TestRun_InterleavedEmitAndDrain(t *testing.T) {
	scenario := &Scenario{
		Name:        "interleaved",
		Description: "each drain promotes only what was committed before it",
		Steps: []Step{
			{Emit: &EventStep{DID: "did:plc:a"}},
			{Drain: true},
			{Emit: &EventStep{DID: "did:plc:b", Count: 2}},
			{Emit: &EventStep{DID: "did:plc:a", Type: "tombstone"}},
			{Drain: true},
			{Drain: true},
		},
		Assertions: []Assertion{
			{Type: AssertOutgoingOrder},
			{Type: AssertTraceCount, Op: OpPromote, Count: 4},
			{Type: AssertTraceOrder, Ops: []string{OpEmit, OpPromote}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var promoted []int64
	for _, ev := range result.Trace {
		if ev.Op == OpPromote {
			promoted = append(promoted, ev.EventID)
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, promoted)
}

func TestRun_StepErrorAbortsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_action",
		Description: "unmute cannot carry a duration",
		Steps: []Step{
			{Act: &ActionStep{Subject: "did:plc:a", Action: "unmute", CreatedBy: "m", DurationHours: new(int64)}},
		},
		Assertions: []Assertion{{Type: AssertOutgoingOrder}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0]")
}
