package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// releaseTimeout bounds how long a release may take after the job returns.
const releaseTimeout = 5 * time.Second

// Session is a held lock.
type Session interface {
	// Lost is closed when the lock was revoked from outside, typically
	// because the underlying connection dropped.
	Lost() <-chan struct{}

	// Release gives the lock up. Safe to call more than once.
	Release(ctx context.Context) error
}

// Locker acquires session-scoped locks.
type Locker interface {
	// TryAcquire takes lock id without waiting. A busy lock is reported as
	// an *Error with ErrCodeLockUnavailable; a failure to reach the
	// datastore as ErrCodeConnectionLost.
	TryAcquire(ctx context.Context, id int64) (Session, error)
}

// Job is a body run while holding a lock. It must return promptly once its
// context is cancelled.
type Job func(ctx context.Context) error

// Leader runs jobs under one lock id.
//
// Thread-safety: Run and Destroy may be called concurrently.
type Leader struct {
	locker Locker
	lockID int64
	logger *slog.Logger

	mu        sync.Mutex
	destroyed bool
	done      chan struct{} // closed by Destroy
}

// New creates a Leader for lockID.
func New(locker Locker, lockID int64, logger *slog.Logger) *Leader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{
		locker: locker,
		lockID: lockID,
		logger: logger.With("component", "leader", "lock_id", lockID),
		done:   make(chan struct{}),
	}
}

// LockID returns the lock this Leader contends for.
func (l *Leader) LockID() int64 {
	return l.lockID
}

// Run tries to take the lock and, if it gets it, runs job while holding it.
//
// If the lock is busy Run returns ran=false with a LockUnavailable error.
// Otherwise job runs with a context that is cancelled when ctx is, when the
// session is lost, or when Destroy is called. The lock is released after
// job returns and Run reports ran=true together with job's error. If the
// session was lost while job ran, the error is ConnectionLost.
func (l *Leader) Run(ctx context.Context, job Job) (ran bool, err error) {
	if l.Destroyed() {
		return false, &Error{Code: ErrCodeDestroyed, LockID: l.lockID}
	}

	session, err := l.locker.TryAcquire(ctx, l.lockID)
	if err != nil {
		return false, err
	}
	l.logger.Debug("lock acquired")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-session.Lost():
			close(lost)
			cancel()
		case <-l.done:
			cancel()
		case <-jobCtx.Done():
		}
	}()

	jobErr := job(jobCtx)
	cancel()
	<-watchDone

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer releaseCancel()
	if err := session.Release(releaseCtx); err != nil {
		l.logger.Warn("lock release failed", "error", err)
	} else {
		l.logger.Debug("lock released")
	}

	select {
	case <-lost:
		return true, &Error{Code: ErrCodeConnectionLost, LockID: l.lockID, Err: jobErr}
	default:
	}
	return true, jobErr
}

// Destroy cancels any running job and makes future Run calls fail with
// ErrCodeDestroyed.
func (l *Leader) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.destroyed = true
	close(l.done)
}

// Destroyed reports whether Destroy was called.
func (l *Leader) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// Done is closed when the Leader is destroyed.
func (l *Leader) Done() <-chan struct{} {
	return l.done
}
