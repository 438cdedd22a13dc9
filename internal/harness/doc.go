// Package harness runs deterministic scenarios against the sequencer and
// the scheduled reversal job.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	events:
//	  - did: did:plc:alice
//	    count: 3
//	actions:
//	  - subject: did:plc:bob
//	    action: takedown
//	    created_by: did:plc:mod
//	    duration_hours: 1
//	steps:
//	  - drain: true
//	  - advance: 90m
//	  - tick: true
//	  - leader_swap: true
//	  - replay_stale: true
//	assertions:
//	  - type: outgoing_order
//	  - type: caught_up
//	    value: true
//	  - type: reverted
//	    subject: did:plc:bob
//	    count: 1
//
// # Assertion Types
//
//   - outgoing_order: outgoing entries carry ascending event ids
//   - caught_up: every committed event has an outgoing entry (or not)
//   - reverted: number of scheduled reversals written for a subject
//   - status: a subject's takendown and muted flags
//   - trace_count: an op appears exactly N times in the trace
//   - trace_order: ops appear in the given order
//
// # Deterministic Testing
//
// Every scenario gets a fresh SQLite database and a test clock starting at
// testutil.Epoch. Event ids, seqs and timestamps are therefore identical
// across runs, and the canonical JSON of the trace can be compared against
// a golden file with RunWithGolden.
package harness
