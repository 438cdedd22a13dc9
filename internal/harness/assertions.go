package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	var parts []string
	add := func(k string, v any) { parts = append(parts, fmt.Sprintf("%s=%v", k, v)) }
	if ev.DID != "" {
		add("did", ev.DID)
	}
	if ev.Subject != "" {
		add("subject", ev.Subject)
	}
	if ev.Action != "" {
		add("action", ev.Action)
	}
	if ev.Seq != 0 {
		add("seq", ev.Seq)
	}
	if ev.EventID != 0 {
		add("event_id", ev.EventID)
	}
	if ev.At != "" {
		add("at", ev.At)
	}
	if len(parts) == 0 {
		return ev.Op
	}
	return ev.Op + " " + strings.Join(parts, " ")
}

// assertOutgoingOrder checks that the outgoing stream lists events in
// ascending committed id order.
func assertOutgoingOrder(ctx context.Context, st *store.Store, trace []TraceEvent) error {
	var (
		cursor int64
		prevID int64
	)
	for {
		page, err := st.OutgoingAfter(ctx, cursor, 500)
		if err != nil {
			return err
		}
		for _, se := range page {
			if se.Event.ID <= prevID {
				return &AssertionError{
					Type:     AssertOutgoingOrder,
					Expected: "event ids ascending by seq",
					Actual:   fmt.Sprintf("seq %d carries event %d after event %d", se.Seq, se.Event.ID, prevID),
					Trace:    trace,
				}
			}
			prevID = se.Event.ID
			cursor = se.Seq
		}
		if len(page) < 500 {
			return nil
		}
	}
}

func assertCaughtUp(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Value == nil {
		return fmt.Errorf("caught_up: value is required")
	}
	pending, err := st.HasUnsequenced(ctx)
	if err != nil {
		return err
	}
	if got := !pending; got != *assertion.Value {
		return &AssertionError{
			Type:     AssertCaughtUp,
			Expected: fmt.Sprintf("caught up = %t", *assertion.Value),
			Actual:   fmt.Sprintf("caught up = %t", got),
		}
	}
	return nil
}

// assertReverted counts the scheduled reversals written for a subject.
func assertReverted(ctx context.Context, svc *moderation.Service, assertion Assertion) error {
	events, err := svc.Events(ctx, ir.Subject{DID: assertion.Subject})
	if err != nil {
		return err
	}
	count := 0
	for _, ev := range events {
		if ev.Comment == moderation.ScheduledReversalComment {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertReverted,
			Expected: fmt.Sprintf("%d scheduled reversals of %s", assertion.Count, assertion.Subject),
			Actual:   fmt.Sprintf("%d scheduled reversals", count),
		}
	}
	return nil
}

func assertStatus(ctx context.Context, svc *moderation.Service, assertion Assertion) error {
	st, err := svc.Status(ctx, ir.Subject{DID: assertion.Subject})
	if err != nil {
		return err
	}
	if assertion.Takendown != nil && st.Takendown != *assertion.Takendown {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s takendown = %t", assertion.Subject, *assertion.Takendown),
			Actual:   fmt.Sprintf("takendown = %t", st.Takendown),
		}
	}
	if assertion.Muted != nil && st.Muted != *assertion.Muted {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s muted = %t", assertion.Subject, *assertion.Muted),
			Actual:   fmt.Sprintf("muted = %t", st.Muted),
		}
	}
	return nil
}

// assertTraceOrder checks if ops appear in the specified order.
// Ops don't need to be consecutive (intervening ops are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected op
	positions := make(map[string]int)
	for i, event := range trace {
		for _, op := range assertion.Ops {
			if event.Op == op && positions[op] == 0 {
				positions[op] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, op := range assertion.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", assertion.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Ops); i++ {
		prev := assertion.Ops[i-1]
		curr := assertion.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the op appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == assertion.Op {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// AssertionContext provides the store for state assertions.
type AssertionContext struct {
	Ctx        context.Context
	Store      *store.Store
	Moderation *moderation.Service
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertOutgoingOrder, AssertCaughtUp, AssertReverted, AssertStatus:
			if actx == nil || actx.Store == nil || actx.Moderation == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertOutgoingOrder:
				err = assertOutgoingOrder(actx.Ctx, actx.Store, result.Trace)
			case AssertCaughtUp:
				err = assertCaughtUp(actx.Ctx, actx.Store, assertion)
			case AssertReverted:
				err = assertReverted(actx.Ctx, actx.Moderation, assertion)
			case AssertStatus:
				err = assertStatus(actx.Ctx, actx.Moderation, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
