package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/seqd/internal/ir"
)

// Scenario is a deterministic run of the sequencer and the reversal job
// against a fresh store.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Events are committed before any step runs.
	Events []EventStep `yaml:"events,omitempty"`

	// Actions are moderation actions taken before any step runs, after
	// Events.
	Actions []ActionStep `yaml:"actions,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep commits Count events (default 1) for DID.
type EventStep struct {
	DID   string       `yaml:"did"`
	Type  ir.EventType `yaml:"type,omitempty"`
	Count int          `yaml:"count,omitempty"`
}

// ActionStep takes one moderation action.
type ActionStep struct {
	Subject       string              `yaml:"subject"`
	URI           string              `yaml:"uri,omitempty"`
	Action        ir.ModerationAction `yaml:"action"`
	CreatedBy     string              `yaml:"created_by"`
	Comment       string              `yaml:"comment,omitempty"`
	DurationHours *int64              `yaml:"duration_hours,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	// Emit commits events.
	Emit *EventStep `yaml:"emit,omitempty"`

	// Act takes a moderation action.
	Act *ActionStep `yaml:"act,omitempty"`

	// Drain runs one sequencer drain pass.
	Drain bool `yaml:"drain,omitempty"`

	// Tick runs one reversal tick at the current time.
	Tick bool `yaml:"tick,omitempty"`

	// Advance moves the clock forward by a Go duration, e.g. "90m".
	Advance string `yaml:"advance,omitempty"`

	// LeaderSwap replaces both jobs with fresh instances, as when the
	// lock moves to another process. The subjects due at that moment are
	// remembered for ReplayStale.
	LeaderSwap bool `yaml:"leader_swap,omitempty"`

	// ReplayStale reverts the subjects remembered by the last LeaderSwap,
	// as the old leader would if it finished its tick late.
	ReplayStale bool `yaml:"replay_stale,omitempty"`
}

func (s Step) kinds() int {
	n := 0
	for _, set := range []bool{s.Emit != nil, s.Act != nil, s.Drain, s.Tick, s.Advance != "", s.LeaderSwap, s.ReplayStale} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the trace or the final store state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Op names a trace operation (trace_count).
	Op string `yaml:"op,omitempty"`

	// Ops lists trace operations in expected order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (trace_count, reverted).
	Count int `yaml:"count,omitempty"`

	// Subject is the subject DID (reverted, status).
	Subject string `yaml:"subject,omitempty"`

	// Value is the expected answer (caught_up).
	Value *bool `yaml:"value,omitempty"`

	// Takendown and Muted are the expected flags (status).
	Takendown *bool `yaml:"takendown,omitempty"`
	Muted     *bool `yaml:"muted,omitempty"`
}

// Assertion type constants.
const (
	AssertOutgoingOrder = "outgoing_order"
	AssertCaughtUp      = "caught_up"
	AssertReverted      = "reverted"
	AssertStatus        = "status"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, ev := range s.Events {
		if err := validateEvent(ev); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	for i, act := range s.Actions {
		if act.Subject == "" || act.Action == "" || act.CreatedBy == "" {
			return fmt.Errorf("actions[%d]: subject, action and created_by are required", i)
		}
	}

	for i, step := range s.Steps {
		if step.kinds() != 1 {
			return fmt.Errorf("steps[%d]: exactly one of emit, act, drain, tick, advance, leader_swap, replay_stale is required", i)
		}
		switch {
		case step.Emit != nil:
			if err := validateEvent(*step.Emit); err != nil {
				return fmt.Errorf("steps[%d].emit: %w", i, err)
			}
		case step.Act != nil:
			if step.Act.Subject == "" || step.Act.Action == "" || step.Act.CreatedBy == "" {
				return fmt.Errorf("steps[%d].act: subject, action and created_by are required", i)
			}
		case step.Advance != "":
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("steps[%d].advance: %w", i, err)
			}
			if d <= 0 {
				return fmt.Errorf("steps[%d].advance: must be positive", i)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(ev EventStep) error {
	if ev.DID == "" {
		return fmt.Errorf("did is required")
	}
	if ev.Type != "" && !ir.ValidEventTypes[ev.Type] {
		return fmt.Errorf("invalid event type %q", ev.Type)
	}
	if ev.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutgoingOrder:
	case AssertCaughtUp:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for caught_up", index)
		}
	case AssertReverted:
		if a.Subject == "" {
			return fmt.Errorf("assertions[%d]: subject is required for reverted", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for reverted", index)
		}
	case AssertStatus:
		if a.Subject == "" {
			return fmt.Errorf("assertions[%d]: subject is required for status", index)
		}
		if a.Takendown == nil && a.Muted == nil {
			return fmt.Errorf("assertions[%d]: takendown or muted is required for status", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
