// Package reversal reverts time-boxed moderation actions once they expire.
//
// Exactly one process at a time runs the scheduler, under lock LockID.
// While leading it wakes on a grid aligned to the Unix epoch, lists the
// subjects due for reversal and reverts each one in its own transaction.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/leader"
	"github.com/roach88/seqd/internal/metrics"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/runner"
	"github.com/roach88/seqd/internal/tracing"
)

// LockID is the lock the reversal scheduler runs under.
const LockID int64 = 1011

// Default tuning.
const (
	DefaultInterval  = time.Minute
	DefaultBaseDelay = 10 * time.Second
	DefaultJitter    = 2 * time.Second
)

// Options configures a Scheduler.
type Options struct {
	// Interval is the tick period. Ticks fall on multiples of Interval
	// since the Unix epoch.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Result summarizes one tick.
type Result struct {
	Due       int
	Reverted  int
	Skipped   int
	Conflicts int
	Failed    int
}

// Scheduler is the scheduled reversal job.
type Scheduler struct {
	svc    *moderation.Service
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	destroyed bool
	runner    *runner.Runner
}

// New creates a Scheduler over svc.
func New(svc *moderation.Service, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:    svc,
		opts:   opts,
		logger: logger.With("component", "reversal", "lock_id", LockID),
	}
}

// Runner builds the runner that hosts this scheduler under LockID.
func (s *Scheduler) Runner(locker leader.Locker, cfg runner.Config) *runner.Runner {
	if cfg.Name == "" {
		cfg.Name = "reversal"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
		cfg.Jitter = DefaultJitter
	}
	if cfg.Logger == nil {
		cfg.Logger = s.opts.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = s.opts.Clock
	}
	r := runner.New(leader.New(locker, LockID, cfg.Logger), cfg, s.Job)

	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
	return r
}

// NextTick returns the first multiple of interval since the Unix epoch
// strictly after now.
func NextTick(now time.Time, interval time.Duration) time.Time {
	n, step := now.UnixNano(), int64(interval)
	next := (n/step + 1) * step
	if n%step < 0 {
		next -= step
	}
	return time.Unix(0, next).In(now.Location())
}

// Job is the leader-bound body. It ticks until ctx is cancelled. A failed
// tick is logged and the next tick runs as usual.
func (s *Scheduler) Job(ctx context.Context) error {
	s.logger.Info("reversal scheduler leading", "interval", s.opts.Interval)
	defer s.logger.Info("reversal scheduler stopped leading")

	for {
		now := s.opts.Clock.Now()
		wait := NextTick(now, s.opts.Interval).Sub(now)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.Clock.After(wait):
		}

		res, err := s.FindAndRevertDueActions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("reversal tick failed", "error", err)
			continue
		}
		if res.Due > 0 {
			s.logger.Info("reversal tick",
				"due", res.Due,
				"reverted", res.Reverted,
				"skipped", res.Skipped,
				"conflicts", res.Conflicts,
				"failed", res.Failed,
			)
		}
	}
}

// FindAndRevertDueActions reverts every subject due at the current time.
// Subjects are reverted concurrently; one subject's failure does not stop
// the others. The returned error covers only listing the due subjects.
func (s *Scheduler) FindAndRevertDueActions(ctx context.Context) (res Result, err error) {
	if s.isDestroyed() {
		return Result{}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "reversal.tick")
	defer func() {
		span.SetAttributes(
			attribute.Int("due", res.Due),
			attribute.Int("reverted", res.Reverted),
			attribute.Int("failed", res.Failed),
		)
		span.End(err)
	}()

	due, err := s.svc.SubjectsDueForReversal(ctx, s.opts.Clock.Now())
	if err != nil {
		return Result{}, fmt.Errorf("find due actions: %w", err)
	}
	res.Due = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, rs := range due {
		g.Go(func() error {
			outcome := s.revert(ctx, rs)
			metrics.Reversals.WithLabelValues(outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case metrics.ResultReverted:
				res.Reverted++
			case metrics.ResultSkipped:
				res.Skipped++
			case metrics.ResultConflict:
				res.Conflicts++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (s *Scheduler) revert(ctx context.Context, rs ir.ReversalSubject) string {
	outcome, err := s.revertSubject(ctx, rs)
	if err != nil {
		s.logger.Error("failed to revert subject",
			"subject", rs.Subject.String(),
			"event_id", rs.EventID,
			"error", err,
		)
		return metrics.ResultError
	}
	return outcome
}

// errNothingPending marks a subject whose pending reversal vanished between
// listing and reverting.
var errNothingPending = errors.New("nothing pending")

// RevertSubject reverts the action rs points at, in one transaction. The
// last reversible event is re-read inside the transaction: if another
// process already reverted it, or a newer action replaced it, nothing is
// written and RevertSubject reports false.
//
// The transaction is not cancelled by ctx once started.
func (s *Scheduler) RevertSubject(ctx context.Context, rs ir.ReversalSubject) (bool, error) {
	outcome, err := s.revertSubject(ctx, rs)
	return outcome == metrics.ResultReverted, err
}

func (s *Scheduler) revertSubject(ctx context.Context, rs ir.ReversalSubject) (string, error) {
	if err := ctx.Err(); err != nil {
		return metrics.ResultError, err
	}
	ctx = context.WithoutCancel(ctx)

	var revert ir.ModerationEvent
	err := s.svc.InTx(ctx, func(tx *moderation.Tx) error {
		orig, ok, err := tx.LastReversibleEvent(ctx, rs.Subject)
		if err != nil {
			return err
		}
		if !ok || orig.ID != rs.EventID {
			return errNothingPending
		}

		revert, err = tx.RevertState(ctx, ir.RevertRequest{
			Subject:   rs.Subject,
			EventID:   orig.ID,
			Action:    orig.Action,
			CreatedBy: orig.CreatedBy,
			Comment:   moderation.ScheduledReversalComment,
		})
		return err
	})
	switch {
	case errors.Is(err, errNothingPending):
		s.logger.Debug("subject no longer due", "subject", rs.Subject.String(), "event_id", rs.EventID)
		return metrics.ResultSkipped, nil
	case errors.Is(err, moderation.ErrRevertConflict):
		s.logger.Debug("subject revert conflict", "subject", rs.Subject.String(), "event_id", rs.EventID)
		return metrics.ResultConflict, nil
	case err != nil:
		return metrics.ResultError, fmt.Errorf("revert subject %s: %w", rs.Subject, err)
	}

	s.logger.Info("reverted scheduled action",
		"subject", rs.Subject.String(),
		"event_id", rs.EventID,
		"revert_event_id", revert.ID,
		"action", revert.Action,
	)
	return metrics.ResultReverted, nil
}

// Destroy stops the scheduler for good: later ticks are no-ops and the
// attached runner, if any, is destroyed.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	r := s.runner
	s.mu.Unlock()

	if r != nil {
		r.Destroy()
	}
}

func (s *Scheduler) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
