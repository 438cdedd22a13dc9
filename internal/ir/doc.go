// Package ir holds the records shared by every seqd package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - Commit order is the datastore-assigned event ID, never a timestamp
//   - Outgoing sequence numbers are assigned by the sequencer, in event ID order
//   - Event payloads are stored as canonical JSON so that content IDs are stable
//   - All JSON tags use snake_case
package ir
