package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/notify"
	"github.com/roach88/seqd/internal/reversal"
	"github.com/roach88/seqd/internal/sequencer"
	"github.com/roach88/seqd/internal/store"
	"github.com/roach88/seqd/internal/testutil"
)

// Harness executes one scenario. It drives the jobs' operations directly
// instead of through runners, so every step is synchronous.
type Harness struct {
	store  *store.Store
	svc    *moderation.Service
	hub    *notify.Hub
	clock  *testclock.Clock
	logger *slog.Logger

	seq        *sequencer.Sequencer
	rev        *reversal.Scheduler
	generation int

	cursor  int64 // last seq already traced
	emitted int
	stale   []ir.ReversalSubject
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh SQLite database with a test clock
// starting at testutil.Epoch, so ids, seqs and times are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "seqd-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clk := testutil.NewClock()
	st, err := store.Open(filepath.Join(dir, "seqd.db"), store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		svc:    moderation.New(st),
		hub:    notify.NewHub(),
		clock:  clk,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	h.startJobs()
	defer h.stopJobs()

	ctx := context.Background()
	result := NewResult()

	for i, ev := range scenario.Events {
		if err := h.emit(ctx, ev, result); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	for i, act := range scenario.Actions {
		if err := h.act(ctx, act, result); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	for i, step := range scenario.Steps {
		if err := h.step(ctx, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:        ctx,
		Store:      st,
		Moderation: h.svc,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) startJobs() {
	h.generation++
	h.seq = sequencer.New(h.store, h.hub, sequencer.Options{Clock: h.clock, Logger: h.logger})
	h.rev = reversal.New(h.svc, reversal.Options{Clock: h.clock, Logger: h.logger})
}

func (h *Harness) stopJobs() {
	h.seq.Destroy()
	h.rev.Destroy()
}

func (h *Harness) step(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Emit != nil:
		return h.emit(ctx, *step.Emit, result)
	case step.Act != nil:
		return h.act(ctx, *step.Act, result)
	case step.Drain:
		return h.drain(ctx, result)
	case step.Tick:
		return h.tick(ctx, result)
	case step.Advance != "":
		return h.advance(step.Advance, result)
	case step.LeaderSwap:
		return h.leaderSwap(ctx, result)
	case step.ReplayStale:
		return h.replayStale(ctx, result)
	default:
		return fmt.Errorf("empty step")
	}
}

func (h *Harness) emit(ctx context.Context, ev EventStep, result *Result) error {
	typ := ev.Type
	if typ == "" {
		typ = ir.EventAppend
	}
	count := ev.Count
	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		h.emitted++
		committed, err := h.store.AppendEvent(ctx, ir.EventInput{
			DID:     ev.DID,
			Type:    typ,
			Payload: map[string]any{"n": int64(h.emitted)},
		})
		if err != nil {
			return fmt.Errorf("emit: %w", err)
		}
		result.AddTrace(TraceEvent{Op: OpEmit, DID: committed.DID, EventID: committed.ID})
	}
	return nil
}

func (h *Harness) act(ctx context.Context, step ActionStep, result *Result) error {
	ev, err := h.svc.TakeAction(ctx, moderation.ActionInput{
		Subject:       ir.Subject{DID: step.Subject, URI: step.URI},
		Action:        step.Action,
		CreatedBy:     step.CreatedBy,
		Comment:       step.Comment,
		DurationHours: step.DurationHours,
	})
	if err != nil {
		return err
	}
	result.AddTrace(TraceEvent{
		Op:      OpAct,
		Subject: ev.Subject.String(),
		Action:  string(ev.Action),
		EventID: ev.ID,
	})
	return nil
}

// drain runs one pass and traces every outgoing entry it produced.
func (h *Harness) drain(ctx context.Context, result *Result) error {
	if _, err := h.seq.SequenceOutgoing(ctx); err != nil {
		return err
	}
	for {
		page, err := h.store.OutgoingAfter(ctx, h.cursor, 500)
		if err != nil {
			return err
		}
		for _, se := range page {
			result.AddTrace(TraceEvent{Op: OpPromote, Seq: se.Seq, EventID: se.Event.ID})
			h.cursor = se.Seq
		}
		if len(page) < 500 {
			return nil
		}
	}
}

// tick runs one reversal tick. Reverts run concurrently, so they are
// traced in due order rather than by the ids they were given.
func (h *Harness) tick(ctx context.Context, result *Result) error {
	due, err := h.svc.SubjectsDueForReversal(ctx, h.clock.Now())
	if err != nil {
		return err
	}
	res, err := h.rev.FindAndRevertDueActions(ctx)
	if err != nil {
		return err
	}
	result.AddTrace(TraceEvent{Op: OpTick, Due: res.Due, Reverted: res.Reverted})

	for _, rs := range due {
		events, err := h.svc.Events(ctx, rs.Subject)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}
		last := events[len(events)-1]
		if last.Comment != moderation.ScheduledReversalComment {
			continue
		}
		result.AddTrace(TraceEvent{
			Op:        OpRevert,
			Subject:   rs.Subject.String(),
			Action:    string(last.Action),
			CreatedBy: last.CreatedBy,
		})
	}
	return nil
}

func (h *Harness) advance(raw string, result *Result) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	h.clock.Advance(d)
	result.AddTrace(TraceEvent{Op: OpAdvance, At: h.clock.Now().UTC().Format(time.RFC3339)})
	return nil
}

// leaderSwap remembers what the outgoing leader would have had in hand,
// then replaces both jobs.
func (h *Harness) leaderSwap(ctx context.Context, result *Result) error {
	due, err := h.svc.SubjectsDueForReversal(ctx, h.clock.Now())
	if err != nil {
		return err
	}
	h.stale = due

	h.stopJobs()
	h.startJobs()
	result.AddTrace(TraceEvent{Op: OpLeaderSwap, Generation: h.generation})
	return nil
}

func (h *Harness) replayStale(ctx context.Context, result *Result) error {
	for _, rs := range h.stale {
		ok, err := h.rev.RevertSubject(ctx, rs)
		if err != nil {
			return err
		}
		ev := TraceEvent{Op: OpStaleRevert, Subject: rs.Subject.String()}
		if ok {
			ev.Reverted = 1
		}
		result.AddTrace(ev)
	}
	h.stale = nil
	return nil
}
