// Package notify carries "something changed" signals between the write
// path, the sequencer and firehose subscribers.
//
// A notification carries no payload. Receivers re-read the datastore when
// signalled, so any number of notifications arriving before the receiver
// wakes up coalesce into one.
//
// Hub is the in-process broadcast point. Two bridges feed it from other
// processes:
//   - FileBridge: for SQLite deployments, one file per channel in a shared
//     directory, watched with fsnotify
//   - PGListener: for PostgreSQL deployments, LISTEN on a dedicated
//     connection
package notify
