package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/seqd/internal/ir"
)

// AppendEvent commits a new event and raises new_repo_event in the same
// transaction. The returned event carries the datastore-assigned id.
//
// The payload is stored as canonical JSON and the CID is computed from it,
// so resubmitting the same mutation yields the same CID (but a new id).
func (s *Store) AppendEvent(ctx context.Context, in ir.EventInput) (ir.CommittedEvent, error) {
	var ev ir.CommittedEvent
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ev, err = tx.AppendEvent(ctx, in)
		return err
	})
	if err != nil {
		return ir.CommittedEvent{}, err
	}
	return ev, nil
}

// AppendEvent inserts a committed event as part of a larger transaction.
// The notification is delivered when the transaction commits.
func (tx *Tx) AppendEvent(ctx context.Context, in ir.EventInput) (ir.CommittedEvent, error) {
	payload, cid, err := ir.EncodeEvent(in)
	if err != nil {
		return ir.CommittedEvent{}, fmt.Errorf("append event: %w", err)
	}

	committedAt := tx.s.now()
	var id int64
	err = tx.q().QueryRowContext(ctx, tx.s.rebind(`
		INSERT INTO repo_event (did, event_type, payload, cid, committed_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), in.DID, string(in.Type), payload, cid, committedAt.UnixMicro()).Scan(&id)
	if err != nil {
		return ir.CommittedEvent{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.notify(ctx, ir.ChannelNewEvent); err != nil {
		return ir.CommittedEvent{}, fmt.Errorf("append event: %w", err)
	}

	return ir.CommittedEvent{
		ID:          id,
		DID:         in.DID,
		Type:        in.Type,
		Payload:     payload,
		CID:         cid,
		CommittedAt: committedAt,
	}, nil
}

// PromoteEvent appends the outgoing entry for a committed event.
//
// The insert is guarded twice: a NOT EXISTS check in the INSERT ... SELECT
// and the UNIQUE constraint on event_id. Promoting an event that already
// has an entry is a no-op and reports inserted=false.
func (s *Store) PromoteEvent(ctx context.Context, eventID int64) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO outgoing_repo_seq (event_id, sequenced_at)
		SELECT CAST(? AS BIGINT), CAST(? AS BIGINT)
		WHERE NOT EXISTS (SELECT 1 FROM outgoing_repo_seq WHERE event_id = ?)
		ON CONFLICT (event_id) DO NOTHING
	`), eventID, s.now().UnixMicro(), eventID)
	if err != nil {
		return false, fmt.Errorf("promote event %d: %w", eventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote event %d: %w", eventID, err)
	}
	return n > 0, nil
}

// now truncates to microseconds so values round-trip through the database
// unchanged.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
