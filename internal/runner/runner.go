// Package runner keeps a process contending for a job's lock for as long as
// the process lives.
//
// A Runner loops: try to become leader, run the job while leading, and
// after any failure wait a jittered backoff before trying again. Nothing a
// job does is fatal to the process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/roach88/seqd/internal/leader"
	"github.com/roach88/seqd/internal/metrics"
)

// ErrCompletedUnexpectedly marks a job that returned without error while
// the runner was still live. Jobs are meant to run until cancelled.
var ErrCompletedUnexpectedly = errors.New("job completed but should be persistent")

// JobError wraps a failure of the job body.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.Job, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a Runner.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateLeading
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateLeading:
		return "leading"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Runner.
type Config struct {
	// Name labels logs and metrics, e.g. "sequencer".
	Name string

	// BaseDelay and Jitter define the wait between attempts:
	// BaseDelay + uniform[-Jitter, +Jitter].
	BaseDelay time.Duration
	Jitter    time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Runner hosts one job under one Leader.
//
// Thread-safety: State, HolderID and Destroy are safe for concurrent use
// with Run. Run must be called at most once.
type Runner struct {
	leader   *leader.Leader
	job      leader.Job
	cfg      Config
	holderID string
	logger   *slog.Logger

	state     atomic.Int32
	destroyed atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a Runner for job under l.
func New(l *leader.Leader, cfg Config, job leader.Job) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Jitter > cfg.BaseDelay {
		cfg.Jitter = cfg.BaseDelay
	}
	holderID := uuid.Must(uuid.NewV7()).String()
	return &Runner{
		leader:   l,
		job:      job,
		cfg:      cfg,
		holderID: holderID,
		logger: cfg.Logger.With(
			"component", "runner",
			"job", cfg.Name,
			"lock_id", l.LockID(),
			"holder", holderID,
		),
		done: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// HolderID identifies this runner instance in logs.
func (r *Runner) HolderID() string {
	return r.holderID
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Destroy stops the runner: a running job is cancelled, its lock released,
// and Run returns without retrying. Safe to call more than once.
func (r *Runner) Destroy() {
	if r.destroyed.Swap(true) {
		return
	}
	r.logger.Info("destroying runner")
	r.leader.Destroy()
}

// Run contends for leadership until ctx is cancelled or Destroy is called.
// It always returns nil; failures are logged and retried.
func (r *Runner) Run(ctx context.Context) error {
	defer r.doneOnce.Do(func() { close(r.done) })
	defer r.setState(StateDestroyed)

	for {
		if r.stopped(ctx) {
			return nil
		}

		r.setState(StateAcquiring)
		ran, err := r.leader.Run(ctx, r.lead)
		r.setState(StateIdle)

		if r.stopped(ctx) {
			if err != nil && ran && !errors.Is(err, context.Canceled) {
				r.logger.Warn("job ended with error during shutdown", "error", err)
			}
			return nil
		}
		r.report(ran, err)

		delay := r.backoff()
		r.logger.Debug("retrying after backoff", "delay", delay)
		select {
		case <-r.cfg.Clock.After(delay):
		case <-r.leader.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// lead runs the job while the lock is held.
func (r *Runner) lead(ctx context.Context) error {
	r.setState(StateLeading)
	metrics.IsLeader.WithLabelValues(r.cfg.Name).Set(1)
	metrics.LeaderChanges.WithLabelValues(r.cfg.Name).Inc()
	r.logger.Info("acquired leadership")
	defer func() {
		metrics.IsLeader.WithLabelValues(r.cfg.Name).Set(0)
		r.logger.Info("gave up leadership")
	}()

	if err := r.job(ctx); err != nil {
		return &JobError{Job: r.cfg.Name, Err: err}
	}
	return nil
}

// report logs the outcome of one attempt.
func (r *Runner) report(ran bool, err error) {
	switch {
	case !ran && leader.IsLockUnavailable(err):
		r.logger.Debug("lock held elsewhere")
	case leader.IsConnectionLost(err):
		metrics.JobErrors.WithLabelValues(r.cfg.Name, metrics.KindConnectionLost).Inc()
		r.logger.Warn("lock session lost", "error", err)
	case !ran && err != nil:
		metrics.JobErrors.WithLabelValues(r.cfg.Name, metrics.KindJob).Inc()
		r.logger.Error("leadership attempt failed", "error", err)
	case err == nil:
		metrics.JobErrors.WithLabelValues(r.cfg.Name, metrics.KindCompleted).Inc()
		r.logger.Error("job ended", "error", ErrCompletedUnexpectedly)
	default:
		metrics.JobErrors.WithLabelValues(r.cfg.Name, metrics.KindJob).Inc()
		r.logger.Error("job failed", "error", err)
	}
}

// backoff returns BaseDelay + uniform[-Jitter, +Jitter].
func (r *Runner) backoff() time.Duration {
	return Backoff(r.cfg.BaseDelay, r.cfg.Jitter, rand.Int64N)
}

// Backoff returns base + uniform[-jitter, +jitter], never negative. intN
// must return a value in [0, n).
func Backoff(base, jitter time.Duration, intN func(n int64) int64) time.Duration {
	d := base
	if jitter > 0 {
		d += time.Duration(intN(int64(2*jitter)+1)) - jitter
	}
	if d < 0 {
		return 0
	}
	return d
}

func (r *Runner) stopped(ctx context.Context) bool {
	return r.destroyed.Load() || r.leader.Destroyed() || ctx.Err() != nil
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}
