package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seqd/internal/ir"
)

// statusColumns maps a reversible action to the status flag it sets.
var statusColumns = map[ir.ModerationAction]string{
	ir.ActionTakedown: "takendown",
	ir.ActionMute:     "muted",
}

// InsertModerationEvent appends a row to moderation history and returns its id.
// CreatedAt is filled from the store clock when zero.
func (tx *Tx) InsertModerationEvent(ctx context.Context, ev ir.ModerationEvent) (ir.ModerationEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = tx.s.now()
	}
	var duration sql.NullInt64
	if ev.DurationHours != nil {
		duration = sql.NullInt64{Int64: *ev.DurationHours, Valid: true}
	}

	err := tx.q().QueryRowContext(ctx, tx.s.rebind(`
		INSERT INTO moderation_event
		(subject_did, subject_uri, action, created_by, comment, duration_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		ev.Subject.DID,
		ev.Subject.URI,
		string(ev.Action),
		ev.CreatedBy,
		ev.Comment,
		duration,
		ev.CreatedAt.UnixMicro(),
	).Scan(&ev.ID)
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("insert moderation event: %w", err)
	}
	return ev, nil
}

// UpsertSubjectStatus writes the full status row for a subject.
// UpdatedAt is filled from the store clock when zero.
func (tx *Tx) UpsertSubjectStatus(ctx context.Context, st ir.SubjectStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = tx.s.now()
	}
	var reverseAt, lastID sql.NullInt64
	if st.ReverseAt != nil {
		reverseAt = sql.NullInt64{Int64: st.ReverseAt.UnixMicro(), Valid: true}
	}
	if st.LastReversibleEventID != nil {
		lastID = sql.NullInt64{Int64: *st.LastReversibleEventID, Valid: true}
	}

	_, err := tx.q().ExecContext(ctx, tx.s.rebind(`
		INSERT INTO moderation_subject_status
		(subject_did, subject_uri, takendown, muted, reverse_at, last_reversible_event_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_did, subject_uri) DO UPDATE SET
			takendown = excluded.takendown,
			muted = excluded.muted,
			reverse_at = excluded.reverse_at,
			last_reversible_event_id = excluded.last_reversible_event_id,
			updated_at = excluded.updated_at
	`),
		st.Subject.DID,
		st.Subject.URI,
		st.Takendown,
		st.Muted,
		reverseAt,
		lastID,
		st.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("upsert subject status: %w", err)
	}
	return nil
}

// SubjectStatus returns the status row of a subject, or ErrNotFound.
func (tx *Tx) SubjectStatus(ctx context.Context, subject ir.Subject) (ir.SubjectStatus, error) {
	return subjectStatus(ctx, tx.q(), tx.s.dialect, subject)
}

// SubjectStatus returns the status row of a subject, or ErrNotFound.
func (s *Store) SubjectStatus(ctx context.Context, subject ir.Subject) (ir.SubjectStatus, error) {
	return subjectStatus(ctx, s.db, s.dialect, subject)
}

func subjectStatus(ctx context.Context, q querier, d Dialect, subject ir.Subject) (ir.SubjectStatus, error) {
	var (
		st        = ir.SubjectStatus{Subject: subject}
		reverseAt sql.NullInt64
		lastID    sql.NullInt64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, rebind(d, `
		SELECT takendown, muted, reverse_at, last_reversible_event_id, updated_at
		FROM moderation_subject_status
		WHERE subject_did = ? AND subject_uri = ?
	`), subject.DID, subject.URI).Scan(&st.Takendown, &st.Muted, &reverseAt, &lastID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SubjectStatus{}, fmt.Errorf("subject %s: %w", subject, ErrNotFound)
	}
	if err != nil {
		return ir.SubjectStatus{}, fmt.Errorf("subject status: %w", err)
	}
	if reverseAt.Valid {
		t := fromMicros(reverseAt.Int64)
		st.ReverseAt = &t
	}
	if lastID.Valid {
		id := lastID.Int64
		st.LastReversibleEventID = &id
	}
	st.UpdatedAt = fromMicros(updatedAt)
	return st, nil
}

// LastReversibleEvent returns the moderation event a subject's pending
// reversal points at, or ErrNotFound if nothing is pending.
//
// On PostgreSQL the status row is locked FOR UPDATE until the transaction
// ends. On SQLite the transaction already holds the write lock.
func (tx *Tx) LastReversibleEvent(ctx context.Context, subject ir.Subject) (ir.ModerationEvent, error) {
	query := `
		SELECT e.id, e.subject_did, e.subject_uri, e.action, e.created_by,
		       e.comment, e.duration_hours, e.created_at
		FROM moderation_subject_status s
		JOIN moderation_event e ON e.id = s.last_reversible_event_id
		WHERE s.subject_did = ? AND s.subject_uri = ?
	`
	if tx.s.dialect == DialectPostgres {
		query += ` FOR UPDATE OF s`
	}

	rows, err := tx.q().QueryContext(ctx, tx.s.rebind(query), subject.DID, subject.URI)
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("last reversible event: %w", err)
	}
	events, err := scanModerationEvents(rows)
	if err != nil {
		return ir.ModerationEvent{}, fmt.Errorf("last reversible event: %w", err)
	}
	if len(events) == 0 {
		return ir.ModerationEvent{}, fmt.Errorf("subject %s: %w", subject, ErrNotFound)
	}
	return events[0], nil
}

// ClearReversal resets the flag set by action and clears the pending
// reversal, but only while last_reversible_event_id still equals eventID.
// It reports false when another writer got there first.
func (tx *Tx) ClearReversal(ctx context.Context, subject ir.Subject, eventID int64, action ir.ModerationAction) (bool, error) {
	column, ok := statusColumns[action]
	if !ok {
		return false, fmt.Errorf("clear reversal: action %q is not reversible", action)
	}

	res, err := tx.q().ExecContext(ctx, tx.s.rebind(`
		UPDATE moderation_subject_status
		SET `+column+` = ?,
		    reverse_at = NULL,
		    last_reversible_event_id = NULL,
		    updated_at = ?
		WHERE subject_did = ? AND subject_uri = ?
		  AND last_reversible_event_id = ?
	`), false, tx.s.now().UnixMicro(), subject.DID, subject.URI, eventID)
	if err != nil {
		return false, fmt.Errorf("clear reversal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear reversal: %w", err)
	}
	return n == 1, nil
}

// SubjectsDueForReversal returns subjects whose pending reversal is at or
// before now, oldest first.
func (s *Store) SubjectsDueForReversal(ctx context.Context, now time.Time) ([]ir.ReversalSubject, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT subject_did, subject_uri, last_reversible_event_id, reverse_at
		FROM moderation_subject_status
		WHERE reverse_at IS NOT NULL
		  AND reverse_at <= ?
		  AND last_reversible_event_id IS NOT NULL
		ORDER BY reverse_at ASC, subject_did ASC, subject_uri ASC
	`), now.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("query due subjects: %w", err)
	}
	defer rows.Close()

	out := []ir.ReversalSubject{}
	for rows.Next() {
		var (
			rs        ir.ReversalSubject
			reverseAt int64
		)
		if err := rows.Scan(&rs.Subject.DID, &rs.Subject.URI, &rs.EventID, &reverseAt); err != nil {
			return nil, fmt.Errorf("scan due subject: %w", err)
		}
		rs.ReverseAt = fromMicros(reverseAt)
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due subjects: %w", err)
	}
	return out, nil
}

// ModerationEvents returns a subject's moderation history, oldest first.
func (s *Store) ModerationEvents(ctx context.Context, subject ir.Subject) ([]ir.ModerationEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, subject_did, subject_uri, action, created_by,
		       comment, duration_hours, created_at
		FROM moderation_event
		WHERE subject_did = ? AND subject_uri = ?
		ORDER BY id ASC
	`), subject.DID, subject.URI)
	if err != nil {
		return nil, fmt.Errorf("query moderation events: %w", err)
	}
	events, err := scanModerationEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("moderation events: %w", err)
	}
	return events, nil
}

// scanModerationEvents reads every row and closes rows.
func scanModerationEvents(rows *sql.Rows) ([]ir.ModerationEvent, error) {
	defer rows.Close()

	out := []ir.ModerationEvent{}
	for rows.Next() {
		var (
			ev        ir.ModerationEvent
			action    string
			duration  sql.NullInt64
			createdAt int64
		)
		err := rows.Scan(&ev.ID, &ev.Subject.DID, &ev.Subject.URI, &action,
			&ev.CreatedBy, &ev.Comment, &duration, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan moderation event: %w", err)
		}
		ev.Action = ir.ModerationAction(action)
		if duration.Valid {
			h := duration.Int64
			ev.DurationHours = &h
		}
		ev.CreatedAt = fromMicros(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moderation events: %w", err)
	}
	return out, nil
}
