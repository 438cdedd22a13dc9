// Package leader implements a distributed mutex over session-scoped locks.
//
// A lock is identified by a small integer. It is held by at most one live
// session and is only valid while that session lives: there is no lease,
// renewal or heartbeat. When the holding process dies, the datastore (or
// the kernel, for file locks) releases the lock with the session.
//
// Two Locker implementations are provided:
//   - PGLocker: pg_try_advisory_lock on a dedicated PostgreSQL connection
//   - FileLocker: flock(2) on one file per lock id, for processes sharing
//     a SQLite database on one host
//
// Leader runs a job body while holding a lock, cancels the body when the
// lock is lost or the Leader is destroyed, and always releases the lock
// when the body returns.
package leader
