// Package sequencer promotes committed events into the outgoing stream.
//
// Exactly one process at a time runs the sequencer job, under lock LockID.
// While leading it drains once, then again on every new_repo_event
// notification. A drain pass selects every committed event without an
// outgoing entry, ascending by id, and promotes them one by one, raising
// outgoing_repo_seq after each insert. The outgoing stream is therefore in
// committed-event id order.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/leader"
	"github.com/roach88/seqd/internal/metrics"
	"github.com/roach88/seqd/internal/notify"
	"github.com/roach88/seqd/internal/runner"
	"github.com/roach88/seqd/internal/tracing"
)

// LockID is the lock the sequencer job runs under.
const LockID int64 = 1100

// Default tuning.
const (
	DefaultRetryDelay = time.Second
	DefaultPageSize   = 500
	DefaultBaseDelay  = time.Second
	DefaultJitter     = 500 * time.Millisecond
)

// Store is the datastore surface the sequencer needs. *store.Store
// implements it.
type Store interface {
	UnsequencedEventIDs(ctx context.Context, limit int) ([]int64, error)
	PromoteEvent(ctx context.Context, eventID int64) (bool, error)
	HasUnsequenced(ctx context.Context) (bool, error)
	Notify(ctx context.Context, channel string) error
}

// Options configures a Sequencer.
type Options struct {
	// RetryDelay is the wait before re-running a failed drain pass.
	RetryDelay time.Duration

	// PageSize bounds how many event ids one query loads.
	PageSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// drainState tracks the single-flight drain.
type drainState int

const (
	drainIdle drainState = iota
	drainRunning
	drainRerunPending
)

func (d drainState) String() string {
	switch d {
	case drainIdle:
		return "idle"
	case drainRunning:
		return "running"
	case drainRerunPending:
		return "running_with_rerun_pending"
	default:
		return fmt.Sprintf("drain(%d)", int(d))
	}
}

// Sequencer is the sequencing job.
//
// Thread-safety: All methods are safe for concurrent use.
type Sequencer struct {
	store  Store
	hub    *notify.Hub
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     drainState
	destroyed bool
	jobCtx    context.Context // non-nil while leading
	retry     clock.Timer
	drains    sync.WaitGroup
	runner    *runner.Runner
}

// New creates a Sequencer over st. hub delivers new_repo_event
// notifications; it is normally also the store's Notifier.
func New(st Store, hub *notify.Hub, opts Options) *Sequencer {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		store:  st,
		hub:    hub,
		opts:   opts,
		logger: logger.With("component", "sequencer", "lock_id", LockID),
	}
}

// Runner builds the runner that hosts this sequencer under LockID.
// Destroy on the sequencer destroys the runner too.
func (s *Sequencer) Runner(locker leader.Locker, cfg runner.Config) *runner.Runner {
	if cfg.Name == "" {
		cfg.Name = "sequencer"
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

// Job is the leader-bound body. It runs until ctx is cancelled and returns
// only after any in-flight drain pass has finished.
func (s *Sequencer) Job(ctx context.Context) error {
	sub := s.hub.Subscribe(ir.ChannelNewEvent)
	defer sub.Close()

	s.mu.Lock()
	s.jobCtx = ctx
	s.state = drainIdle
	s.mu.Unlock()
	s.logger.Info("sequencer leading")

	s.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopLeading()
			return ctx.Err()
		case <-sub.C():
			s.trigger(ctx)
		}
	}
}

// stopLeading prevents new drains and waits for the current one.
func (s *Sequencer) stopLeading() {
	s.mu.Lock()
	s.jobCtx = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	s.drains.Wait()
	s.logger.Info("sequencer stopped leading")
}

// Nudge requests a drain pass. It reports false when this process is not
// leading, in which case nothing happens.
func (s *Sequencer) Nudge() bool {
	s.mu.Lock()
	ctx := s.jobCtx
	s.mu.Unlock()
	if ctx == nil {
		return false
	}
	s.trigger(ctx)
	return true
}

// trigger starts a drain, or marks a rerun if one is already running.
func (s *Sequencer) trigger(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.jobCtx != ctx || ctx.Err() != nil {
		return
	}

	switch s.state {
	case drainIdle:
		s.state = drainRunning
		s.drains.Add(1)
		go s.drainLoop(ctx)
	case drainRunning:
		s.state = drainRerunPending
	case drainRerunPending:
		// Already pending; coalesce.
	}
}

func (s *Sequencer) drainLoop(ctx context.Context) {
	defer s.drains.Done()

	for {
		if _, err := s.SequenceOutgoing(ctx); err != nil && ctx.Err() == nil {
			metrics.DrainErrors.Inc()
			s.logger.Error("failed to sequence batch", "error", err, "retry_in", s.opts.RetryDelay)
			s.scheduleRetry(ctx)
		}

		s.mu.Lock()
		if s.state == drainRerunPending && !s.destroyed && ctx.Err() == nil {
			s.state = drainRunning
			s.mu.Unlock()
			continue
		}
		s.state = drainIdle
		s.mu.Unlock()
		return
	}
}

func (s *Sequencer) scheduleRetry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobCtx != ctx || s.retry != nil {
		return
	}
	s.retry = s.opts.Clock.AfterFunc(s.opts.RetryDelay, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()
		s.trigger(ctx)
	})
}

// SequenceOutgoing runs one drain pass and returns how many events it
// promoted. Each promotion is allowed to finish once started; cancellation
// is observed between promotions.
func (s *Sequencer) SequenceOutgoing(ctx context.Context) (n int, err error) {
	if s.isDestroyed() {
		return 0, nil
	}

	ctx, span := tracing.StartSpan(ctx, "sequencer.drain")
	defer func() {
		span.SetAttributes(attribute.Int("promoted", n))
		span.End(err)
	}()
	metrics.DrainPasses.Inc()

	for {
		ids, err := s.store.UnsequencedEventIDs(ctx, s.opts.PageSize)
		if err != nil {
			return n, fmt.Errorf("sequence outgoing: %w", err)
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			inserted, err := s.store.PromoteEvent(context.WithoutCancel(ctx), id)
			if err != nil {
				return n, fmt.Errorf("sequence outgoing: %w", err)
			}
			if !inserted {
				continue
			}
			n++
			metrics.Promoted.Inc()
			if err := s.store.Notify(ctx, ir.ChannelOutgoing); err != nil {
				s.logger.Warn("outgoing notification failed", "event_id", id, "error", err)
			}
		}

		if len(ids) < s.opts.PageSize {
			break
		}
	}

	if n > 0 {
		s.logger.Debug("promoted events", "count", n)
	}
	return n, nil
}

// IsCaughtUp reports whether every committed event has an outgoing entry.
func (s *Sequencer) IsCaughtUp(ctx context.Context) (bool, error) {
	pending, err := s.store.HasUnsequenced(ctx)
	if err != nil {
		return false, fmt.Errorf("is caught up: %w", err)
	}
	return !pending, nil
}

// Destroy stops the sequencer for good: later drains are no-ops and the
// attached runner, if any, is destroyed.
func (s *Sequencer) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	r := s.runner
	s.mu.Unlock()

	if r != nil {
		r.Destroy()
	}
}

func (s *Sequencer) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Sequencer) drainStateNow() drainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
