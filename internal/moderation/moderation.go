// Package moderation applies moderation actions to subjects and exposes the
// queries the scheduled reversal job needs.
//
// A takedown or mute may carry a duration. The subject's status then
// records when the action is due for reversal and which event to reverse.
// Reverting clears both fields with a compare-and-set on the event id, so
// an action is reverted at most once no matter how many processes try.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/store"
)

// ScheduledReversalComment is recorded on every revert written by the
// reversal job.
const ScheduledReversalComment = "[SCHEDULED_REVERSAL] Reverting action as originally scheduled"

// MaxDurationHours is the longest duration whose reversal time can be
// represented as a time.Duration.
const MaxDurationHours = math.MaxInt64 / int64(time.Hour)

// ErrRevertConflict is returned by RevertState when the subject's pending
// reversal no longer points at the requested event: someone else reverted
// or replaced it first. Callers treat it as a no-op.
var ErrRevertConflict = errors.New("subject revert conflict")

// ActionInput is a moderator's request.
type ActionInput struct {
	Subject       ir.Subject
	Action        ir.ModerationAction
	CreatedBy     string
	Comment       string
	DurationHours *int64
}

// Validate checks the input before it reaches the store.
func (in ActionInput) Validate() error {
	if in.Subject.DID == "" {
		return fmt.Errorf("subject did is required")
	}
	if in.CreatedBy == "" {
		return fmt.Errorf("created_by is required")
	}
	switch in.Action {
	case ir.ActionTakedown, ir.ActionMute:
		if in.DurationHours != nil && *in.DurationHours <= 0 {
			return fmt.Errorf("duration must be positive, got %d hours", *in.DurationHours)
		}
		if in.DurationHours != nil && *in.DurationHours > MaxDurationHours {
			return fmt.Errorf("duration must be at most %d hours, got %d", MaxDurationHours, *in.DurationHours)
		}
	case ir.ActionReverseTakedown, ir.ActionUnmute, ir.ActionComment:
		if in.DurationHours != nil {
			return fmt.Errorf("action %q does not take a duration", in.Action)
		}
	default:
		return fmt.Errorf("invalid moderation action %q", in.Action)
	}
	return nil
}

// Service is the moderation service over a store.
type Service struct {
	store *store.Store
}

// New creates a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Now returns the current time on the store's clock.
func (s *Service) Now() time.Time {
	return s.store.Clock().Now()
}

// TakeAction records a moderation event and updates the subject's status.
//
// A takedown or mute with a duration schedules its reversal; without a
// duration it is permanent and cancels any pending reversal. A manual
// reverse_takedown or unmute cancels a pending reversal of the matching
// action.
func (s *Service) TakeAction(ctx context.Context, in ActionInput) (ir.ModerationEvent, error) {
	if err := in.Validate(); err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("take action: %w", err)
	}

	var ev ir.ModerationEvent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		ev, err = tx.InsertModerationEvent(ctx, ir.ModerationEvent{
			Subject:       in.Subject,
			Action:        in.Action,
			CreatedBy:     in.CreatedBy,
			Comment:       in.Comment,
			DurationHours: in.DurationHours,
		})
		if err != nil {
			return err
		}
		if in.Action == ir.ActionComment {
			return nil
		}

		st, err := tx.SubjectStatus(ctx, in.Subject)
		if errors.Is(err, store.ErrNotFound) {
			st = ir.SubjectStatus{Subject: in.Subject}
		} else if err != nil {
			return err
		}

		pending, err := tx.LastReversibleEvent(ctx, in.Subject)
		hasPending := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		applyAction(&st, ev, hasPending, pending.Action)
		st.UpdatedAt = ev.CreatedAt
		return tx.UpsertSubjectStatus(ctx, st)
	})
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("take action: %w", err)
	}
	return ev, nil
}

// applyAction folds ev into st. pendingAction is the action of the event a
// pending reversal points at, if hasPending.
func applyAction(st *ir.SubjectStatus, ev ir.ModerationEvent, hasPending bool, pendingAction ir.ModerationAction) {
	switch ev.Action {
	case ir.ActionTakedown, ir.ActionMute:
		if ev.Action == ir.ActionTakedown {
			st.Takendown = true
		} else {
			st.Muted = true
		}
		if ev.DurationHours != nil {
			at := ev.CreatedAt.Add(time.Duration(*ev.DurationHours) * time.Hour)
			id := ev.ID
			st.ReverseAt = &at
			st.LastReversibleEventID = &id
		} else if hasPending && pendingAction == ev.Action {
			clearPending(st)
		}
	case ir.ActionReverseTakedown, ir.ActionUnmute:
		if ev.Action == ir.ActionReverseTakedown {
			st.Takendown = false
		} else {
			st.Muted = false
		}
		if hasPending {
			if undo, _ := ir.Reverses(pendingAction); undo == ev.Action {
				clearPending(st)
			}
		}
	}
}

func clearPending(st *ir.SubjectStatus) {
	st.ReverseAt = nil
	st.LastReversibleEventID = nil
}

// SubjectsDueForReversal returns subjects whose pending reversal is due at
// now.
func (s *Service) SubjectsDueForReversal(ctx context.Context, now time.Time) ([]ir.ReversalSubject, error) {
	due, err := s.store.SubjectsDueForReversal(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("subjects due for reversal: %w", err)
	}
	return due, nil
}

// Status returns a subject's current status. A subject never acted on has
// a zero status.
func (s *Service) Status(ctx context.Context, subject ir.Subject) (ir.SubjectStatus, error) {
	st, err := s.store.SubjectStatus(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return ir.SubjectStatus{Subject: subject}, nil
	}
	if err != nil {
		return ir.SubjectStatus{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// Events returns a subject's moderation history, oldest first.
func (s *Service) Events(ctx context.Context, subject ir.Subject) ([]ir.ModerationEvent, error) {
	return s.store.ModerationEvents(ctx, subject)
}

// Tx is the moderation service bound to one transaction.
type Tx struct {
	tx *store.Tx
}

// InTx runs fn in a transaction. It commits when fn returns nil.
func (s *Service) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.store.WithTx(ctx, func(stx *store.Tx) error {
		return fn(&Tx{tx: stx})
	})
}

// LastReversibleEvent returns the event the subject's pending reversal
// points at, and false if nothing is pending. On PostgreSQL the status row
// stays locked until the transaction ends.
func (t *Tx) LastReversibleEvent(ctx context.Context, subject ir.Subject) (ir.ModerationEvent, bool, error) {
	ev, err := t.tx.LastReversibleEvent(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return ir.ModerationEvent{}, false, nil
	}
	if err != nil {
		return ir.ModerationEvent{}, false, err
	}
	return ev, true, nil
}

// RevertState writes the reversal of req.Action and clears the pending
// reversal, provided it still points at req.EventID. Otherwise nothing is
// written and ErrRevertConflict is returned.
func (t *Tx) RevertState(ctx context.Context, req ir.RevertRequest) (ir.ModerationEvent, error) {
	undo, ok := ir.Reverses(req.Action)
	if !ok {
		return ir.ModerationEvent{}, fmt.Errorf("revert state: action %q is not reversible", req.Action)
	}

	cleared, err := t.tx.ClearReversal(ctx, req.Subject, req.EventID, req.Action)
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("revert state: %w", err)
	}
	if !cleared {
		return ir.ModerationEvent{}, fmt.Errorf("revert %s event %d: %w", req.Subject, req.EventID, ErrRevertConflict)
	}

	ev, err := t.tx.InsertModerationEvent(ctx, ir.ModerationEvent{
		Subject:   req.Subject,
		Action:    undo,
		CreatedBy: req.CreatedBy,
		Comment:   req.Comment,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("revert state: %w", err)
	}
	return ev, nil
}
