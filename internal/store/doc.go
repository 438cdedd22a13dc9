// Package store provides durable storage for seqd.
//
// The store holds four tables:
//   - repo_event: committed events, ordered by the datastore-assigned id
//   - outgoing_repo_seq: the delivered stream, one entry per promoted event
//   - moderation_event: moderation history
//   - moderation_subject_status: current state per subject, including any
//     pending scheduled reversal
//
// # Ordering
//
// Commit order is repo_event.id and delivery order is outgoing_repo_seq.seq.
// Timestamps are recorded for humans and never used to decide order.
// Promotion selects unsequenced events with a NOT EXISTS anti-join, so an
// event committed late with a small id is still picked up.
//
// # Dialects
//
// SQLite (mattn/go-sqlite3) is the default. The database is configured with:
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock on BEGIN
//
// PostgreSQL is reached through pgx's database/sql driver. On PostgreSQL the
// write path raises notifications with pg_notify inside the transaction; on
// SQLite they are handed to the configured Notifier after commit.
//
// Queries are written with ? placeholders and rebound for PostgreSQL.
package store
