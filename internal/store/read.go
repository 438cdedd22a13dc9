package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/seqd/internal/ir"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UnsequencedEventIDs returns ids of committed events that have no outgoing
// entry yet, ascending. A limit of zero or less means no limit.
//
// The selection is a NOT EXISTS anti-join. It never compares timestamps, so
// an event whose commit_at is older than already promoted events is still
// found.
func (s *Store) UnsequencedEventIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT e.id
		FROM repo_event e
		WHERE NOT EXISTS (
			SELECT 1 FROM outgoing_repo_seq o WHERE o.event_id = e.id
		)
		ORDER BY e.id ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query unsequenced events: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unsequenced event: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unsequenced events: %w", err)
	}
	return ids, nil
}

// HasUnsequenced reports whether any committed event lacks an outgoing entry.
func (s *Store) HasUnsequenced(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM repo_event e
			WHERE NOT EXISTS (
				SELECT 1 FROM outgoing_repo_seq o WHERE o.event_id = e.id
			)
			LIMIT 1
		) pending
	`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check unsequenced events: %w", err)
	}
	return n > 0, nil
}

// OutgoingAfter returns up to limit outgoing entries with seq > cursor,
// joined with their events, ascending by seq.
func (s *Store) OutgoingAfter(ctx context.Context, cursor int64, limit int) ([]ir.SequencedEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("outgoing after: limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT o.seq, o.sequenced_at,
		       e.id, e.did, e.event_type, e.payload, e.cid, e.committed_at
		FROM outgoing_repo_seq o
		JOIN repo_event e ON e.id = o.event_id
		WHERE o.seq > ?
		ORDER BY o.seq ASC
		LIMIT ?
	`), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query outgoing: %w", err)
	}
	defer rows.Close()

	out := []ir.SequencedEvent{}
	for rows.Next() {
		var (
			se          ir.SequencedEvent
			typ         string
			sequencedAt int64
			committedAt int64
		)
		err := rows.Scan(&se.Seq, &sequencedAt,
			&se.Event.ID, &se.Event.DID, &typ, &se.Event.Payload, &se.Event.CID, &committedAt)
		if err != nil {
			return nil, fmt.Errorf("scan outgoing: %w", err)
		}
		se.Event.Type = ir.EventType(typ)
		se.SequencedAt = fromMicros(sequencedAt)
		se.Event.CommittedAt = fromMicros(committedAt)
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outgoing: %w", err)
	}
	return out, nil
}

// GetEvent returns a committed event by id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id int64) (ir.CommittedEvent, error) {
	var (
		ev          ir.CommittedEvent
		typ         string
		committedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, did, event_type, payload, cid, committed_at
		FROM repo_event
		WHERE id = ?
	`), id).Scan(&ev.ID, &ev.DID, &typ, &ev.Payload, &ev.CID, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CommittedEvent{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.CommittedEvent{}, fmt.Errorf("get event %d: %w", id, err)
	}
	ev.Type = ir.EventType(typ)
	ev.CommittedAt = fromMicros(committedAt)
	return ev, nil
}

// Stats summarizes the event log and the outgoing stream.
type Stats struct {
	Events      int64 `json:"events"`
	Outgoing    int64 `json:"outgoing"`
	Unsequenced int64 `json:"unsequenced"`
	HeadSeq     int64 `json:"head_seq"`
}

// Stats returns row counts and the highest assigned seq.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repo_event),
			(SELECT COUNT(*) FROM outgoing_repo_seq),
			(SELECT COALESCE(MAX(seq), 0) FROM outgoing_repo_seq)
	`).Scan(&st.Events, &st.Outgoing, &st.HeadSeq)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.Unsequenced = st.Events - st.Outgoing
	return st, nil
}
