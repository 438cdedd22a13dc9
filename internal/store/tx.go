package store

import (
	"context"
	"database/sql"
	"fmt"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a store transaction. Methods on Tx must be the only database access
// made while the transaction is open: on SQLite the pool holds a single
// connection and a query through the Store would wait forever.
type Tx struct {
	tx *sql.Tx
	s  *Store

	// afterCommit holds channels to notify once the transaction commits
	// (SQLite only).
	afterCommit []string
}

// WithTx runs fn in a transaction. The transaction commits if fn returns
// nil and rolls back otherwise. Once the commit succeeds WithTx returns nil;
// notification failures after commit are logged. Cancellation of ctx after fn has returned
// does not interrupt the commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx, s: s}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	// The write is durable from here on. A lost notification is recovered
	// by the sequencer's drain on leadership and its retry pass.
	for _, channel := range tx.afterCommit {
		if err := s.Notify(context.WithoutCancel(ctx), channel); err != nil {
			s.logger.Warn("notify after commit failed", "channel", channel, "error", err)
		}
	}
	return nil
}

// Dialect reports the backend of the owning store.
func (tx *Tx) Dialect() Dialect {
	return tx.s.dialect
}

// notify raises channel as part of the transaction: pg_notify on
// PostgreSQL (delivered on commit), the store Notifier after commit on
// SQLite.
func (tx *Tx) notify(ctx context.Context, channel string) error {
	if tx.s.dialect == DialectPostgres {
		if _, err := tx.tx.ExecContext(ctx, `SELECT pg_notify($1, '')`, channel); err != nil {
			return fmt.Errorf("notify %s: %w", channel, err)
		}
		return nil
	}
	tx.afterCommit = append(tx.afterCommit, channel)
	return nil
}

func (tx *Tx) q() querier {
	return tx.tx
}
