package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// PGLocker takes PostgreSQL session-level advisory locks. Every acquired
// lock owns a dedicated connection; the lock lives exactly as long as that
// connection.
type PGLocker struct {
	dsn string
}

// NewPGLocker creates a locker that connects with dsn.
func NewPGLocker(dsn string) *PGLocker {
	return &PGLocker{dsn: dsn}
}

// TryAcquire opens a connection and calls pg_try_advisory_lock on it.
func (l *PGLocker) TryAcquire(ctx context.Context, id int64) (Session, error) {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return nil, &Error{Code: ErrCodeConnectionLost, LockID: id, Err: err}
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return nil, &Error{Code: ErrCodeConnectionLost, LockID: id, Err: err}
	}
	if !acquired {
		conn.Close(context.WithoutCancel(ctx))
		return nil, &Error{Code: ErrCodeLockUnavailable, LockID: id}
	}

	watchCtx, stop := context.WithCancel(context.Background())
	s := &pgSession{
		id:      id,
		conn:    conn,
		lost:    make(chan struct{}),
		stop:    stop,
		watched: make(chan struct{}),
	}
	go s.watch(watchCtx)
	return s, nil
}

type pgSession struct {
	id   int64
	conn *pgx.Conn
	lost chan struct{}

	stop    context.CancelFunc
	watched chan struct{} // closed when watch returns

	once sync.Once
}

func (s *pgSession) Lost() <-chan struct{} {
	return s.lost
}

// watch blocks on the connection. Nothing is ever sent on it, so the call
// only returns when the connection breaks or the session is released.
func (s *pgSession) watch(ctx context.Context) {
	defer close(s.watched)
	for {
		_, err := s.conn.WaitForNotification(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			close(s.lost)
			return
		}
		// A stray notification still means the connection is alive.
	}
}

// Release unlocks and closes the connection. Closing the connection alone
// would free the lock; the explicit unlock makes the release visible
// before the close round trip completes.
func (s *pgSession) Release(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.stop()
		<-s.watched

		select {
		case <-s.lost:
			// Connection already gone; the server dropped the lock with it.
		default:
			var unlocked bool
			if qerr := s.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, s.id).Scan(&unlocked); qerr != nil {
				err = fmt.Errorf("advisory unlock %d: %w", s.id, qerr)
			} else if !unlocked {
				err = fmt.Errorf("advisory unlock %d: lock was not held", s.id)
			}
		}

		if cerr := s.conn.Close(ctx); cerr != nil && err == nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close lock connection: %w", cerr)
		}
	})
	return err
}
